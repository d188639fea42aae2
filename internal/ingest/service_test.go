package ingest

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/internal/cache"
	"docqa/internal/lock"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

func TestDeleteInvalidatesAnswerCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	idx := vectorindex.NewMemory()
	require.NoError(t, idx.EnsureCollection(ctx, "chunks_v1", 4, vectorindex.DistanceCosine))
	require.NoError(t, idx.SwitchAlias(ctx, "chunks_active", "chunks_v1"))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	projectID := uuid.New()
	mc := &cache.MockCache{}
	mc.On("InvalidateProject", mock.Anything, projectID.String()).Return(nil).Once()

	svc := NewService(log, st, idx, mc, lock.NewNoOpLocker(), t.TempDir(), 1<<20, "chunks_active")
	doc, _, err := svc.Upload(ctx, projectID, "notes.txt", []byte("cached answers must not outlive me"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, doc.ID))
	mc.AssertExpectations(t)
}

// heldLocker simulates a lock held by another replica.
type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestDeleteRejectedWhileDocumentLocked(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	idx := vectorindex.NewMemory()
	require.NoError(t, idx.EnsureCollection(ctx, "chunks_v1", 4, vectorindex.DistanceCosine))
	require.NoError(t, idx.SwitchAlias(ctx, "chunks_active", "chunks_v1"))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	svc := NewService(log, st, idx, cache.NewNoOpCache(), heldLocker{}, t.TempDir(), 1<<20, "chunks_active")
	doc, _, err := svc.Upload(ctx, uuid.New(), "notes.txt", []byte("still being reindexed elsewhere"))
	require.NoError(t, err)

	err = svc.Delete(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentBusy)

	// The document stays live until the lock holder finishes.
	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
}
