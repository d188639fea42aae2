package main

import (
	"net/http"

	"github.com/google/uuid"

	"docqa/internal/app"
	"docqa/internal/httputil"
	"docqa/internal/retrieval"
)

type askRequest struct {
	ProjectID  uuid.UUID  `json:"project_id" validate:"required"`
	Question   string     `json:"question" validate:"required"`
	DocumentID *uuid.UUID `json:"document_id"`
}

func askHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := httputil.DecodeValid(r, &req); err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		}
		answer, err := deps.Retrieval.Ask(r.Context(), retrieval.Question{
			ProjectID:  req.ProjectID,
			Text:       req.Question,
			DocumentID: req.DocumentID,
		})
		if err != nil {
			failErr(deps.Log, w, "ask failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, answer)
	}
}
