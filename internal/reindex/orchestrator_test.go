package reindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/embeddings"
	"docqa/internal/lock"
	"docqa/internal/queue"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// fakeEmbedder emits constant vectors of the requested width.
type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, _ embeddings.Mode) ([]embeddings.Vector, error) {
	out := make([]embeddings.Vector, len(texts))
	for i := range texts {
		v := make(embeddings.Vector, f.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) ModelID() string { return "fake-embedder" }

// fakeEngine pretends each document produces two chunks in the target
// collection. It can be told to fail specific documents.
type fakeEngine struct {
	idx     vectorindex.Index
	failFor map[uuid.UUID]bool
	calls   map[string]int
}

func newFakeEngine(idx vectorindex.Index) *fakeEngine {
	return &fakeEngine{idx: idx, failFor: map[uuid.UUID]bool{}, calls: map[string]int{}}
}

func (f *fakeEngine) EmbedDocument(ctx context.Context, doc store.Document, collection string, _ embeddings.Embedder) (int, error) {
	f.calls[doc.ID.String()+":"+collection]++
	if f.failFor[doc.ID] {
		return 0, fmt.Errorf("embedding backend unreachable")
	}
	points := []vectorindex.Point{
		{ID: vectorindex.PointID(doc.ID.String(), "c0"), Vector: embeddings.Vector{1, 0}, Payload: vectorindex.Payload{DocumentID: doc.ID.String(), ChunkID: "c0"}},
		{ID: vectorindex.PointID(doc.ID.String(), "c1"), Vector: embeddings.Vector{0, 1}, Payload: vectorindex.Payload{DocumentID: doc.ID.String(), ChunkID: "c1"}},
	}
	if err := f.idx.DeleteByDocument(ctx, collection, doc.ID.String()); err != nil {
		return 0, err
	}
	if err := f.idx.Upsert(ctx, collection, points); err != nil {
		return 0, err
	}
	return len(points), nil
}

type runQueue struct {
	tasks []queue.Task
}

func (q *runQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *runQueue) Worker(ctx context.Context, _ queue.TaskType, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

type rig struct {
	store  *store.MemoryStore
	index  *vectorindex.Memory
	queue  *runQueue
	engine *fakeEngine
	orch   *Orchestrator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	idx := vectorindex.NewMemory()
	q := &runQueue{}
	engine := newFakeEngine(idx)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	factory := func(p store.EmbeddingProfile) (embeddings.Embedder, error) {
		return &fakeEmbedder{dims: p.Dimensions}, nil
	}
	orch := NewOrchestrator(log, st, idx, q, engine, factory, lock.NewNoOpLocker(), "chunks_active", 2)

	// Live baseline: active profile v1 with the alias pointing at its
	// collection.
	require.NoError(t, idx.EnsureCollection(ctx, "chunks_v1", 2, vectorindex.DistanceCosine))
	require.NoError(t, idx.SwitchAlias(ctx, "chunks_active", "chunks_v1"))
	_, err := st.CreateProfile(ctx, store.EmbeddingProfile{
		Name:           "v1",
		Provider:       "openai",
		ModelID:        "text-embedding-3-small",
		Dimensions:     2,
		CollectionName: "chunks_v1",
		AliasName:      "chunks_active",
		Status:         store.ProfileActive,
	})
	require.NoError(t, err)

	return &rig{store: st, index: idx, queue: q, engine: engine, orch: orch}
}

func (r *rig) seedDocs(t *testing.T, n int) []store.Document {
	t.Helper()
	docs := make([]store.Document, n)
	for i := range docs {
		doc, err := r.store.CreateDocument(context.Background(), store.Document{
			ProjectID:   uuid.New(),
			Filename:    fmt.Sprintf("doc-%d.pdf", i),
			ContentHash: fmt.Sprintf("hash-%d", i),
			Status:      store.DocIndexed,
		})
		require.NoError(t, err)
		docs[i] = doc
	}
	return docs
}

func (r *rig) validatedProfile(t *testing.T) store.EmbeddingProfile {
	t.Helper()
	profile, err := r.orch.CreateProfile(context.Background(), ProfileParams{
		Name:       "v2",
		ModelID:    "text-embedding-3-large",
		Dimensions: 2,
	})
	require.NoError(t, err)
	profile, err = r.orch.ValidateProfile(context.Background(), profile.ID)
	require.NoError(t, err)
	return profile
}

func TestStartRunSnapshotsCorpus(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	docs := r.seedDocs(t, 3)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)
	assert.NotEmpty(t, run.StagingCollection)
	require.NotNil(t, run.SourceProfileID)

	items, err := r.store.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, items, len(docs))
	for _, item := range items {
		assert.NotEmpty(t, item.ContentHashSnapshot)
		assert.NotNil(t, item.LastSeenUpdatedAt)
	}

	// Bulk task queued, staging collection created.
	require.Len(t, r.queue.tasks, 1)
	assert.Equal(t, queue.TaskTypeReindex, r.queue.tasks[0].Type)
	exists, err := r.index.CollectionExists(ctx, run.StagingCollection)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStartRunRequiresValidatedProfile(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	draft, err := r.orch.CreateProfile(ctx, ProfileParams{Name: "v2", ModelID: "m", Dimensions: 2})
	require.NoError(t, err)

	_, err = r.orch.StartRun(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrProfileNotReady)
}

func TestStartRunRejectsSecondRun(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedDocs(t, 1)
	profile := r.validatedProfile(t)

	_, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)

	_, err = r.orch.StartRun(ctx, profile.ID)
	assert.ErrorIs(t, err, store.ErrReindexRunActive)
}

func TestBulkCleanRunIsApplyReady(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedDocs(t, 4)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	require.NoError(t, r.orch.RunBulk(ctx, run.ID))

	got, err := r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunApplyReady, got.Status)
	assert.Equal(t, 0, got.DriftDetected)
	assert.Equal(t, 4, got.Summary.ByStatus[string(store.ItemSucceeded)])
	assert.Equal(t, 8, got.Summary.IndexedChunksTotal)
}

func TestDriftDuringBulkForcesCatchup(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	docs := r.seedDocs(t, 10)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)

	// One document is edited after its snapshot was taken.
	edited := docs[3]
	require.NoError(t, r.store.UpdateDocumentContent(ctx, edited.ID, "/tmp/new", "hash-3-edited", 100))

	require.NoError(t, r.orch.RunBulk(ctx, run.ID))

	// The bulk phase re-read the document, so only edits after embedding
	// count as drift. Force the snapshot mismatch the way a mid-flight edit
	// would leave it.
	items, err := r.store.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	for _, item := range items {
		if item.DocumentID == edited.ID {
			item.ContentHashSnapshot = "hash-3"
			require.NoError(t, r.store.UpdateRunItem(ctx, item))
		}
	}
	// Apply runs a final drift check: it refuses the switch and parks the
	// run in catchup_pending.
	_, err = r.orch.Apply(ctx, run.ID)
	assert.ErrorIs(t, err, ErrApplyBlocked)

	got, err := r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCatchupPending, got.Status)
	assert.Equal(t, 1, got.DriftDetected)

	preview, err := r.orch.CatchupPreview(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, preview, 1)
	assert.Equal(t, edited.ID, preview[0].DocumentID)

	// A second apply attempt is rejected outright while catchup is pending.
	_, err = r.orch.Apply(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotReady)

	// Catchup clears the drift and the run becomes apply_ready.
	require.NoError(t, r.orch.QueueCatchup(ctx, run.ID))
	require.NoError(t, r.orch.RunCatchup(ctx, run.ID))

	got, err = r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunApplyReady, got.Status)
	assert.Equal(t, 0, got.DriftDetected)
}

func TestApplySwitchesAliasAndActivatesProfile(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedDocs(t, 2)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	require.NoError(t, r.orch.RunBulk(ctx, run.ID))

	// Alias still points at the old collection before apply.
	target, err := r.index.AliasTarget(ctx, "chunks_active")
	require.NoError(t, err)
	assert.Equal(t, "chunks_v1", target)

	applied, err := r.orch.Apply(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunApplied, applied.Status)
	require.NotNil(t, applied.AppliedAt)

	target, err = r.index.AliasTarget(ctx, "chunks_active")
	require.NoError(t, err)
	assert.Equal(t, run.StagingCollection, target)

	active, err := r.store.ActiveProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, profile.ID, active.ID)

	// The old profile is retired, and a new run can start.
	status, err := r.orch.EmbeddingsStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, status.LiveRun)
}

func TestApplyBlockedByLateDrift(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	docs := r.seedDocs(t, 2)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	require.NoError(t, r.orch.RunBulk(ctx, run.ID))

	// Edit lands between apply_ready and apply.
	require.NoError(t, r.store.UpdateDocumentContent(ctx, docs[0].ID, "/tmp/new", "edited-hash", 50))

	_, err = r.orch.Apply(ctx, run.ID)
	assert.ErrorIs(t, err, ErrApplyBlocked)

	got, err := r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCatchupPending, got.Status)

	// The live alias never moved.
	target, err := r.index.AliasTarget(ctx, "chunks_active")
	require.NoError(t, err)
	assert.Equal(t, "chunks_v1", target)
}

func TestApplyPurgesDeletedDocuments(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	docs := r.seedDocs(t, 2)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	require.NoError(t, r.orch.RunBulk(ctx, run.ID))

	before, err := r.index.CountPoints(ctx, run.StagingCollection)
	require.NoError(t, err)
	assert.Equal(t, 4, before)

	// One document is deleted between apply_ready and apply. Its staging
	// points must not survive the alias switch.
	require.NoError(t, r.store.SoftDeleteDocument(ctx, docs[0].ID))

	applied, err := r.orch.Apply(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunApplied, applied.Status)

	after, err := r.index.CountPoints(ctx, run.StagingCollection)
	require.NoError(t, err)
	assert.Equal(t, 2, after, "deleted document's points must be purged from staging")

	items, err := r.store.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	byDoc := map[uuid.UUID]store.ReindexRunItem{}
	for _, item := range items {
		byDoc[item.DocumentID] = item
	}
	assert.Equal(t, store.ItemSkipped, byDoc[docs[0].ID].Status)
	assert.Equal(t, 0, byDoc[docs[0].ID].IndexedChunkCount)
	assert.Equal(t, store.ItemSucceeded, byDoc[docs[1].ID].Status)
}

// heldLocker simulates document locks held by another replica.
type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestBulkRecordsLockedDocuments(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedDocs(t, 2)
	profile := r.validatedProfile(t)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	factory := func(p store.EmbeddingProfile) (embeddings.Embedder, error) {
		return &fakeEmbedder{dims: p.Dimensions}, nil
	}
	locked := NewOrchestrator(log, r.store, r.index, r.queue, r.engine, factory, heldLocker{}, "chunks_active", 2)

	run, err := locked.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	require.NoError(t, locked.RunBulk(ctx, run.ID))

	items, err := r.store.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, store.ItemFailed, item.Status)
		assert.Contains(t, item.ErrorSummary, "locked")
	}
	// Nothing was embedded while the locks were held elsewhere.
	assert.Empty(t, r.engine.calls)
}

func TestBulkFailedItemRecorded(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	docs := r.seedDocs(t, 3)
	profile := r.validatedProfile(t)

	r.engine.failFor[docs[1].ID] = true

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)
	require.NoError(t, r.orch.RunBulk(ctx, run.ID))

	got, err := r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Summary.ByStatus[string(store.ItemFailed)])
	assert.Equal(t, 2, got.Summary.ByStatus[string(store.ItemSucceeded)])
}

func TestCancelKeepsAliasAndStaging(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedDocs(t, 2)
	profile := r.validatedProfile(t)

	run, err := r.orch.StartRun(ctx, profile.ID)
	require.NoError(t, err)

	require.NoError(t, r.orch.Cancel(ctx, run.ID))

	got, err := r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, got.Status)

	// Staging stays behind for cleanup; only apply may touch the alias.
	exists, err := r.index.CollectionExists(ctx, run.StagingCollection)
	require.NoError(t, err)
	assert.True(t, exists)

	target, err := r.index.AliasTarget(ctx, "chunks_active")
	require.NoError(t, err)
	assert.Equal(t, "chunks_v1", target)

	// Terminal runs cannot be cancelled again, and a new run may start.
	assert.ErrorIs(t, r.orch.Cancel(ctx, run.ID), ErrRunNotReady)
	_, err = r.orch.StartRun(ctx, profile.ID)
	assert.NoError(t, err)
}

func TestValidateProfileMarksValidated(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	draft, err := r.orch.CreateProfile(ctx, ProfileParams{Name: "v2", ModelID: "m", Dimensions: 2})
	require.NoError(t, err)
	assert.Equal(t, store.ProfileDraft, draft.Status)

	validated, err := r.orch.ValidateProfile(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProfileValidated, validated.Status)

	// Only drafts validate.
	_, err = r.orch.ValidateProfile(ctx, draft.ID)
	assert.Error(t, err)
}
