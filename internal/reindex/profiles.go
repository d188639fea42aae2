package reindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"docqa/internal/embeddings"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// ProfileParams are the operator-supplied fields of a new profile.
type ProfileParams struct {
	Name            string
	Provider        string
	ModelID         string
	Dimensions      int
	DistanceMetric  string
	Normalize       bool
	InputPrefixMode string
}

// DimensionValidator is implemented by embedders that can ask the provider
// for the real vector width.
type DimensionValidator interface {
	ValidateDimensions(ctx context.Context) error
}

// CreateProfile registers a draft profile. Drafts are inert until validated.
// An empty name is derived as provider-model-vN from the number of existing
// profiles for that model.
func (o *Orchestrator) CreateProfile(ctx context.Context, p ProfileParams) (store.EmbeddingProfile, error) {
	if p.ModelID == "" {
		return store.EmbeddingProfile{}, fmt.Errorf("model_id is required")
	}
	if p.Dimensions <= 0 {
		return store.EmbeddingProfile{}, fmt.Errorf("dimensions must be positive")
	}
	if p.Provider == "" {
		p.Provider = "openai"
	}
	if p.InputPrefixMode == "" {
		p.InputPrefixMode = embeddings.PrefixModeNone
	}
	switch p.DistanceMetric {
	case "":
		p.DistanceMetric = vectorindex.DistanceCosine
	case vectorindex.DistanceCosine, vectorindex.DistanceDot, vectorindex.DistanceEuclid:
	default:
		return store.EmbeddingProfile{}, fmt.Errorf("unsupported distance metric %q", p.DistanceMetric)
	}
	if p.Name == "" {
		existing, err := o.store.CountProfilesForModel(ctx, p.Provider, p.ModelID)
		if err != nil {
			return store.EmbeddingProfile{}, err
		}
		p.Name = fmt.Sprintf("%s-%s-v%d", p.Provider, p.ModelID, existing+1)
	}
	return o.store.CreateProfile(ctx, store.EmbeddingProfile{
		Name:            p.Name,
		Provider:        p.Provider,
		ModelID:         p.ModelID,
		Dimensions:      p.Dimensions,
		DistanceMetric:  p.DistanceMetric,
		Normalize:       p.Normalize,
		InputPrefixMode: p.InputPrefixMode,
		AliasName:       o.activeAlias,
		Status:          store.ProfileDraft,
	})
}

// ValidateProfile checks the profile's model against the provider and marks
// the profile validated when the reported dimensions match.
func (o *Orchestrator) ValidateProfile(ctx context.Context, id uuid.UUID) (store.EmbeddingProfile, error) {
	profile, err := o.store.GetProfile(ctx, id)
	if err != nil {
		return store.EmbeddingProfile{}, err
	}
	if profile.Status != store.ProfileDraft {
		return profile, fmt.Errorf("profile %s is %s, only drafts are validated", id, profile.Status)
	}

	embedder, err := o.newEmbedder(profile)
	if err != nil {
		return profile, fmt.Errorf("build embedder: %w", err)
	}
	if v, ok := embedder.(DimensionValidator); ok {
		if err := v.ValidateDimensions(ctx); err != nil {
			return profile, err
		}
	}

	if err := o.store.SetProfileStatus(ctx, id, store.ProfileValidated); err != nil {
		return profile, err
	}
	return o.store.GetProfile(ctx, id)
}

// Status is the embeddings dashboard payload.
type Status struct {
	ActiveProfile *store.EmbeddingProfile `json:"active_profile,omitempty"`
	AliasTarget   string                  `json:"alias_target,omitempty"`
	IndexedPoints int                     `json:"indexed_points"`
	LatestDraft   *store.EmbeddingProfile `json:"latest_draft,omitempty"`
	LiveRun       *store.ReindexRun       `json:"live_run,omitempty"`
}

// EmbeddingsStatus reports the active profile, where the alias points, and
// any run in flight.
func (o *Orchestrator) EmbeddingsStatus(ctx context.Context) (Status, error) {
	var status Status

	if profile, err := o.store.ActiveProfile(ctx); err == nil {
		status.ActiveProfile = &profile
	} else if !errors.Is(err, store.ErrNotFound) {
		return status, err
	}

	if target, err := o.index.AliasTarget(ctx, o.activeAlias); err == nil {
		status.AliasTarget = target
		if count, err := o.index.CountPoints(ctx, target); err == nil {
			status.IndexedPoints = count
		}
	}

	draft, err := o.store.LatestDraftProfile(ctx)
	if err != nil {
		return status, err
	}
	status.LatestDraft = draft

	runs, err := o.store.ListRuns(ctx)
	if err != nil {
		return status, err
	}
	for i, run := range runs {
		if !run.Status.Terminal() {
			status.LiveRun = &runs[i]
			break
		}
	}
	return status, nil
}
