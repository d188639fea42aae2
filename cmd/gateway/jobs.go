package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docqa/internal/app"
	"docqa/internal/httputil"
	"docqa/internal/store"
)

// terminalWindow bounds how far back finished jobs show up in listings.
const terminalWindow = 24 * time.Hour

func listJobsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{RecentTerminalWindow: terminalWindow}

		q := r.URL.Query()
		if raw := q.Get("project_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				httputil.Fail(deps.Log, w, "invalid project_id", err, http.StatusBadRequest)
				return
			}
			filter.ProjectID = &id
		}
		if raw := q.Get("document_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				httputil.Fail(deps.Log, w, "invalid document_id", err, http.StatusBadRequest)
				return
			}
			filter.DocumentID = &id
		}
		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				filter.Statuses = append(filter.Statuses, store.JobStatus(strings.TrimSpace(s)))
			}
		}
		if raw := q.Get("type"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				filter.JobTypes = append(filter.JobTypes, store.JobType(strings.TrimSpace(s)))
			}
		}

		jobs, err := deps.Store.ListJobs(r.Context(), filter)
		if err != nil {
			failErr(deps.Log, w, "failed to list jobs", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func getJobHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid job id", err, http.StatusBadRequest)
			return
		}
		job, err := deps.Store.GetJob(r.Context(), jobID)
		if err != nil {
			failErr(deps.Log, w, "failed to load job", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

func jobEventsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid job id", err, http.StatusBadRequest)
			return
		}
		if _, err := deps.Store.GetJob(r.Context(), jobID); err != nil {
			failErr(deps.Log, w, "failed to load job", err)
			return
		}
		events, err := deps.Store.ListJobEvents(r.Context(), jobID)
		if err != nil {
			failErr(deps.Log, w, "failed to load job events", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func queueOverviewHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var projectID *uuid.UUID
		if raw := r.URL.Query().Get("project_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				httputil.Fail(deps.Log, w, "invalid project_id", err, http.StatusBadRequest)
				return
			}
			projectID = &id
		}
		overview, err := deps.Dispatcher.QueueOverview(r.Context(), projectID, terminalWindow)
		if err != nil {
			failErr(deps.Log, w, "failed to build queue overview", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, overview)
	}
}

type dispatchRequest struct {
	ProjectID *uuid.UUID `json:"project_id"`
}

func dispatchHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if r.ContentLength > 0 {
			if err := httputil.DecodeValid(r, &req); err != nil {
				httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
				return
			}
		}
		res, err := deps.Dispatcher.DispatchQueued(r.Context(), "manual", req.ProjectID)
		if err != nil {
			failErr(deps.Log, w, "dispatch failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}

func schedulerStateHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := deps.Store.SchedulerState(r.Context())
		if err != nil {
			failErr(deps.Log, w, "failed to load scheduler state", err)
			return
		}
		queued, err := deps.Store.CountQueuedJobs(r.Context())
		if err != nil {
			failErr(deps.Log, w, "failed to count queued jobs", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"state":       state,
			"queued_jobs": queued,
		})
	}
}
