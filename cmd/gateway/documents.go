package main

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docqa/internal/app"
	"docqa/internal/httputil"
)

func uploadHandler(deps app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if maxFileSize > 0 && r.ContentLength > maxFileSize {
			httputil.Fail(deps.Log, w, "file too large", nil, http.StatusBadRequest)
			return
		}

		projectID, err := uuid.Parse(r.FormValue("project_id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "valid project_id is required", err, http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
			return
		}

		doc, job, err := deps.Ingest.Upload(ctx, projectID, header.Filename, content)
		if err != nil {
			failErr(deps.Log, w, "upload failed", err)
			return
		}

		// dispatch_now skips the next scheduled sweep and hands the job to a
		// worker immediately. Failure leaves the job queued.
		if r.FormValue("dispatch_now") == "true" {
			if dispatched, err := deps.Dispatcher.DispatchJob(ctx, job.ID, "upload"); err != nil {
				deps.Log.Warn("immediate dispatch failed, job stays queued", "job_id", job.ID, "err", err)
			} else {
				job = dispatched
			}
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": doc.ID,
			"job_id":      job.ID,
			"status":      doc.Status,
			"job_status":  job.Status,
		})
	}
}

func listDocumentsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "valid project_id is required", err, http.StatusBadRequest)
			return
		}
		docs, err := deps.Store.ListDocuments(r.Context(), projectID)
		if err != nil {
			failErr(deps.Log, w, "failed to list documents", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func getDocumentHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Store.GetDocument(r.Context(), docID)
		if err != nil {
			failErr(deps.Log, w, "failed to load document", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, doc)
	}
}

func deleteDocumentHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		if err := deps.Ingest.Delete(r.Context(), docID); err != nil {
			failErr(deps.Log, w, "failed to delete document", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func reprocessHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		job, err := deps.Ingest.Reprocess(r.Context(), docID)
		if err != nil {
			failErr(deps.Log, w, "reprocess rejected", err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func replaceContentHandler(deps app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		if maxFileSize > 0 && r.ContentLength > maxFileSize {
			httputil.Fail(deps.Log, w, "file too large", nil, http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
			return
		}

		job, err := deps.Ingest.ReplaceContent(r.Context(), docID, content)
		if err != nil {
			failErr(deps.Log, w, "replace rejected", err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}
