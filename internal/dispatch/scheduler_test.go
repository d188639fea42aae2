package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/lock"
	"docqa/internal/store"
)

func newTestScheduler(t *testing.T, st store.Store, q *memQueue) *Scheduler {
	t.Helper()
	d := New(testLogger(), st, q)
	s, err := NewScheduler(testLogger(), st, d, lock.NewNoOpLocker(), "Europe/Prague")
	require.NoError(t, err)
	return s
}

func TestMidnightSweepRunsOncePerDay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &memQueue{}
	s := newTestScheduler(t, st, q)
	s.now = func() time.Time { return time.Date(2026, 8, 28, 0, 0, 5, 0, s.location) }

	seedJob(t, st, seedDoc(t, st, uuid.New()))

	require.NoError(t, s.MidnightSweep(ctx))
	assert.Len(t, q.tasks, 1)

	state, err := st.SchedulerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-28", state.LastMidnightRunLocalDate)
	assert.Equal(t, 1, state.LastMidnightDispatched)
	assert.NotEmpty(t, state.LastBatchDispatchID)

	// Second fire on the same local day is a no-op.
	require.NoError(t, s.MidnightSweep(ctx))
	assert.Len(t, q.tasks, 1)
}

func TestStartupCatchupDispatchesMissedWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &memQueue{}
	s := newTestScheduler(t, st, q)
	s.now = func() time.Time { return time.Date(2026, 8, 28, 9, 30, 0, 0, s.location) }

	// Last sweep recorded the previous day; the worker was down at midnight.
	require.NoError(t, st.SaveSchedulerState(ctx, store.SchedulerState{
		Timezone:                 "Europe/Prague",
		LastMidnightRunLocalDate: "2026-08-27",
	}))
	seedJob(t, st, seedDoc(t, st, uuid.New()))

	require.NoError(t, s.StartupCatchup(ctx))
	assert.Len(t, q.tasks, 1)

	state, err := st.SchedulerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-28", state.LastMidnightRunLocalDate)
	assert.Equal(t, 1, state.LastStartupDispatched)
	require.NotNil(t, state.LastStartupCatchupAt)
}

func TestStartupCatchupSkipsWhenCurrent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &memQueue{}
	s := newTestScheduler(t, st, q)
	s.now = func() time.Time { return time.Date(2026, 8, 28, 9, 30, 0, 0, s.location) }

	require.NoError(t, st.SaveSchedulerState(ctx, store.SchedulerState{
		Timezone:                 "Europe/Prague",
		LastMidnightRunLocalDate: "2026-08-28",
	}))
	seedJob(t, st, seedDoc(t, st, uuid.New()))

	require.NoError(t, s.StartupCatchup(ctx))
	assert.Empty(t, q.tasks, "sweep already ran today, nothing to catch up")
}

func TestNextMidnightInConfiguredTimezone(t *testing.T) {
	st := store.NewMemory()
	s := newTestScheduler(t, st, &memQueue{})
	s.now = func() time.Time { return time.Date(2026, 8, 28, 23, 59, 0, 0, s.location) }

	next := s.nextMidnight()
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, s.location), next)
}
