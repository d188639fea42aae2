package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"docqa/internal/app"
	"docqa/internal/httputil"
	"docqa/internal/ingest"
	"docqa/internal/reindex"
	"docqa/internal/store"
)

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	r := httputil.NewRouter(deps.Log)

	r.Post("/api/documents/upload", uploadHandler(deps))
	r.Get("/api/documents", listDocumentsHandler(deps))
	r.Get("/api/documents/{id}", getDocumentHandler(deps))
	r.Delete("/api/documents/{id}", deleteDocumentHandler(deps))
	r.Post("/api/documents/{id}/reprocess", reprocessHandler(deps))
	r.Put("/api/documents/{id}/content", replaceContentHandler(deps))

	r.Get("/api/jobs", listJobsHandler(deps))
	r.Get("/api/jobs/{id}", getJobHandler(deps))
	r.Get("/api/jobs/{id}/events", jobEventsHandler(deps))

	r.Get("/api/queue/overview", queueOverviewHandler(deps))
	r.Post("/api/queue/dispatch", dispatchHandler(deps))
	r.Get("/api/scheduler/state", schedulerStateHandler(deps))

	r.Get("/api/embeddings/status", embeddingsStatusHandler(deps))
	r.Post("/api/embeddings/profiles", createProfileHandler(deps))
	r.Post("/api/embeddings/profiles/{id}/validate", validateProfileHandler(deps))

	r.Post("/api/reindex/runs", startRunHandler(deps))
	r.Get("/api/reindex/runs", listRunsHandler(deps))
	r.Get("/api/reindex/runs/{id}", getRunHandler(deps))
	r.Get("/api/reindex/runs/{id}/catchup/preview", catchupPreviewHandler(deps))
	r.Post("/api/reindex/runs/{id}/catchup", catchupHandler(deps))
	r.Post("/api/reindex/runs/{id}/apply", applyHandler(deps))
	r.Post("/api/reindex/runs/{id}/cancel", cancelRunHandler(deps))

	r.Post("/api/ask", askHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps.Log))

	addr := fmt.Sprintf(":%d", deps.Config.Port)
	deps.Log.Info("gateway listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		deps.Log.Error("server failed", "err", err)
	}
}

// failErr maps domain sentinel errors onto HTTP statuses.
func failErr(log *slog.Logger, w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrJobAlreadyActive),
		errors.Is(err, store.ErrReindexRunActive),
		errors.Is(err, reindex.ErrApplyBlocked),
		errors.Is(err, reindex.ErrRunNotReady),
		errors.Is(err, reindex.ErrProfileNotReady),
		errors.Is(err, ingest.ErrDocumentBusy):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrUnsupportedType),
		errors.Is(err, ingest.ErrFileTooLarge),
		errors.Is(err, ingest.ErrEmptyFile):
		status = http.StatusBadRequest
	}
	// Client errors carry the sentinel text; internals stay in the log.
	if status != http.StatusInternalServerError && err != nil {
		message = err.Error()
	}
	httputil.Fail(log, w, message, err, status)
}
