package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docqa/internal/app"
	"docqa/internal/httputil"
	"docqa/internal/reindex"
)

func embeddingsStatusHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Reindex.EmbeddingsStatus(r.Context())
		if err != nil {
			failErr(deps.Log, w, "failed to build embeddings status", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, status)
	}
}

type createProfileRequest struct {
	// Name defaults to provider-model-vN when omitted.
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	ModelID         string `json:"model_id" validate:"required"`
	Dimensions      int    `json:"dimensions" validate:"required,gt=0"`
	DistanceMetric  string `json:"distance_metric" validate:"omitempty,oneof=cosine dot euclid"`
	Normalize       bool   `json:"normalize"`
	InputPrefixMode string `json:"input_prefix_mode" validate:"omitempty,oneof=none e5"`
}

func createProfileHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProfileRequest
		if err := httputil.DecodeValid(r, &req); err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		}
		profile, err := deps.Reindex.CreateProfile(r.Context(), reindex.ProfileParams{
			Name:            req.Name,
			Provider:        req.Provider,
			ModelID:         req.ModelID,
			Dimensions:      req.Dimensions,
			DistanceMetric:  req.DistanceMetric,
			Normalize:       req.Normalize,
			InputPrefixMode: req.InputPrefixMode,
		})
		if err != nil {
			failErr(deps.Log, w, "failed to create profile", err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, profile)
	}
}

func validateProfileHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid profile id", err, http.StatusBadRequest)
			return
		}
		profile, err := deps.Reindex.ValidateProfile(r.Context(), profileID)
		if err != nil {
			failErr(deps.Log, w, "profile validation failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, profile)
	}
}

type startRunRequest struct {
	TargetProfileID uuid.UUID `json:"target_profile_id" validate:"required"`
}

func startRunHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRunRequest
		if err := httputil.DecodeValid(r, &req); err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		}
		run, err := deps.Reindex.StartRun(r.Context(), req.TargetProfileID)
		if err != nil {
			failErr(deps.Log, w, "failed to start reindex run", err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, run)
	}
}

func listRunsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Store.ListRuns(r.Context())
		if err != nil {
			failErr(deps.Log, w, "failed to list reindex runs", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func getRunHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid run id", err, http.StatusBadRequest)
			return
		}
		run, err := deps.Store.GetRun(r.Context(), runID)
		if err != nil {
			failErr(deps.Log, w, "failed to load reindex run", err)
			return
		}
		items, err := deps.Store.ListRunItems(r.Context(), runID)
		if err != nil {
			failErr(deps.Log, w, "failed to load run items", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": run, "items": items})
	}
}

func catchupPreviewHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid run id", err, http.StatusBadRequest)
			return
		}
		drifted, err := deps.Reindex.CatchupPreview(r.Context(), runID)
		if err != nil {
			failErr(deps.Log, w, "failed to preview catchup", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"drifted": len(drifted),
			"items":   drifted,
		})
	}
}

func catchupHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid run id", err, http.StatusBadRequest)
			return
		}
		if err := deps.Reindex.QueueCatchup(r.Context(), runID); err != nil {
			failErr(deps.Log, w, "failed to queue catchup", err)
			return
		}
		run, err := deps.Store.GetRun(r.Context(), runID)
		if err != nil {
			failErr(deps.Log, w, "failed to load reindex run", err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, run)
	}
}

func applyHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid run id", err, http.StatusBadRequest)
			return
		}
		run, err := deps.Reindex.Apply(r.Context(), runID)
		if err != nil {
			failErr(deps.Log, w, "apply rejected", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, run)
	}
}

func cancelRunHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid run id", err, http.StatusBadRequest)
			return
		}
		if err := deps.Reindex.Cancel(r.Context(), runID); err != nil {
			failErr(deps.Log, w, "cancel rejected", err)
			return
		}
		run, err := deps.Store.GetRun(r.Context(), runID)
		if err != nil {
			failErr(deps.Log, w, "failed to load reindex run", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, run)
	}
}
