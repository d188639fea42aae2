package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docqa/internal/embeddings"
	"docqa/internal/lock"
	"docqa/internal/queue"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// itemLockTTL bounds how long one document's lock is held while the item
// re-embeds it.
const itemLockTTL = 5 * time.Minute

var (
	// ErrApplyBlocked means drifted documents were found at apply time; the
	// run went back to catchup_pending instead of switching the alias.
	ErrApplyBlocked = errors.New("apply blocked: drifted documents need catchup")
	// ErrRunNotReady means the operation is illegal in the run's current state.
	ErrRunNotReady = errors.New("reindex run is not in the required state")
	// ErrProfileNotReady means the target profile has not passed validation.
	ErrProfileNotReady = errors.New("embedding profile is not validated")
)

// TaskPayload is the queue message for reindex and catchup tasks.
type TaskPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// DocumentEmbedder re-embeds one document into a collection. Satisfied by the
// ingestion engine.
type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, doc store.Document, collection string, embedder embeddings.Embedder) (int, error)
}

// EmbedderFactory builds an embedder for a profile's provider and model.
type EmbedderFactory func(profile store.EmbeddingProfile) (embeddings.Embedder, error)

// Orchestrator drives reindex runs: bulk re-embedding into a staging
// collection, drift catchup, and the final alias switch.
type Orchestrator struct {
	log         *slog.Logger
	store       store.Store
	index       vectorindex.Index
	queue       queue.Queue
	engine      DocumentEmbedder
	newEmbedder EmbedderFactory
	locker      lock.Locker
	activeAlias string
	workers     int
}

func NewOrchestrator(log *slog.Logger, st store.Store, idx vectorindex.Index, q queue.Queue, engine DocumentEmbedder, factory EmbedderFactory, locker lock.Locker, activeAlias string, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{
		log:         log,
		store:       st,
		index:       idx,
		queue:       q,
		engine:      engine,
		newEmbedder: factory,
		locker:      locker,
		activeAlias: activeAlias,
		workers:     workers,
	}
}

// StartRun snapshots the live corpus and queues the bulk phase for the target
// profile. At most one run may be live; a second start is rejected with
// store.ErrReindexRunActive.
func (o *Orchestrator) StartRun(ctx context.Context, targetProfileID uuid.UUID) (store.ReindexRun, error) {
	target, err := o.store.GetProfile(ctx, targetProfileID)
	if err != nil {
		return store.ReindexRun{}, err
	}
	if target.Status != store.ProfileValidated {
		return store.ReindexRun{}, fmt.Errorf("%w: profile %s is %s", ErrProfileNotReady, target.ID, target.Status)
	}

	staging := target.CollectionName
	if staging == "" {
		staging = stagingCollectionName(target)
		if err := o.store.SetProfileCollection(ctx, target.ID, staging); err != nil {
			return store.ReindexRun{}, err
		}
	}

	docs, err := o.store.ListLiveDocuments(ctx)
	if err != nil {
		return store.ReindexRun{}, err
	}
	items := make([]store.ReindexRunItem, 0, len(docs))
	for _, doc := range docs {
		updatedAt := doc.UpdatedAt
		items = append(items, store.ReindexRunItem{
			DocumentID:          doc.ID,
			ContentHashSnapshot: doc.ContentHash,
			LastSeenUpdatedAt:   &updatedAt,
		})
	}

	run := store.ReindexRun{
		TargetProfileID:   target.ID,
		StagingCollection: staging,
		Status:            store.RunQueued,
	}
	if source, err := o.store.ActiveProfile(ctx); err == nil {
		run.SourceProfileID = &source.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.ReindexRun{}, err
	}

	run, err = o.store.CreateRun(ctx, run, items)
	if err != nil {
		return store.ReindexRun{}, err
	}

	// A leftover staging collection from a cancelled run may hold points for
	// documents that no longer exist. Start from an empty one.
	if exists, err := o.index.CollectionExists(ctx, staging); err == nil && exists {
		if err := o.index.DropCollection(ctx, staging); err != nil {
			o.failRun(ctx, run.ID, fmt.Errorf("drop stale staging collection: %w", err))
			return run, err
		}
	}
	if err := o.index.EnsureCollection(ctx, staging, target.Dimensions, target.DistanceMetric); err != nil {
		o.failRun(ctx, run.ID, fmt.Errorf("create staging collection: %w", err))
		return run, err
	}

	if err := o.enqueue(ctx, run.ID, queue.TaskTypeReindex); err != nil {
		o.failRun(ctx, run.ID, fmt.Errorf("enqueue bulk phase: %w", err))
		return run, err
	}
	o.log.Info("reindex run started", "run_id", run.ID, "target_profile", target.ID, "staging", staging, "documents", len(items))
	return run, nil
}

// HandleBulkTask is the queue handler for the bulk phase.
func (o *Orchestrator) HandleBulkTask(ctx context.Context, task queue.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		o.log.Error("invalid reindex payload", "task_id", task.ID, "err", err)
		return nil
	}
	return o.RunBulk(ctx, payload.RunID)
}

// HandleCatchupTask is the queue handler for the catchup phase.
func (o *Orchestrator) HandleCatchupTask(ctx context.Context, task queue.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		o.log.Error("invalid reindex catchup payload", "task_id", task.ID, "err", err)
		return nil
	}
	return o.RunCatchup(ctx, payload.RunID)
}

// RunBulk re-embeds every snapshotted document into the staging collection,
// bounded by the worker limit, then settles the run into apply_ready or
// catchup_pending depending on drift.
func (o *Orchestrator) RunBulk(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunQueued {
		o.log.Info("skipping bulk phase, run not queued", "run_id", runID, "status", run.Status)
		return nil
	}
	if err := o.store.SetRunStatus(ctx, runID, store.RunRunning, ""); err != nil {
		return err
	}

	target, err := o.store.GetProfile(ctx, run.TargetProfileID)
	if err != nil {
		o.failRun(ctx, runID, err)
		return nil
	}
	embedder, err := o.newEmbedder(target)
	if err != nil {
		o.failRun(ctx, runID, fmt.Errorf("build embedder: %w", err))
		return nil
	}

	items, err := o.store.ListRunItems(ctx, runID)
	if err != nil {
		o.failRun(ctx, runID, err)
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}
		item := item
		g.Go(func() error {
			// A cancelled run stops scheduling new documents; in-flight ones
			// finish.
			current, err := o.store.GetRun(groupCtx, runID)
			if err == nil && current.Status == store.RunCancelled {
				return nil
			}
			o.processItem(groupCtx, run, item, embedder)
			return nil
		})
	}
	_ = g.Wait()

	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunCancelled {
		return nil
	}
	return o.settle(ctx, runID)
}

// processItem re-embeds one document into staging and refreshes the item's
// snapshot to what was actually read. The document lock is held while the
// document is read and embedded, so a concurrent delete cannot interleave.
func (o *Orchestrator) processItem(ctx context.Context, run store.ReindexRun, item store.ReindexRunItem, embedder embeddings.Embedder) {
	started := time.Now().UTC()
	item.Status = store.ItemRunning
	item.AttemptCount++
	item.StartedAt = &started
	if err := o.store.UpdateRunItem(ctx, item); err != nil {
		o.log.Error("failed to mark item running", "item_id", item.ID, "err", err)
		return
	}

	finish := func(status store.ItemStatus, errSummary string) {
		finished := time.Now().UTC()
		item.Status = status
		item.ErrorSummary = errSummary
		item.FinishedAt = &finished
		if err := o.store.UpdateRunItem(ctx, item); err != nil {
			o.log.Error("failed to finish run item", "item_id", item.ID, "err", err)
		}
	}

	release, ok, err := o.locker.Acquire(ctx, lock.DocumentName(item.DocumentID.String()), itemLockTTL)
	if err != nil {
		finish(store.ItemFailed, fmt.Sprintf("acquire document lock: %v", err))
		return
	}
	if !ok {
		finish(store.ItemFailed, "document locked by another operation")
		return
	}
	defer release()

	doc, err := o.store.GetDocument(ctx, item.DocumentID)
	if err != nil || doc.DeletedAt != nil {
		finish(store.ItemSkipped, "document no longer live")
		return
	}

	// Snapshot what we are about to embed; drift is measured against this.
	item.ContentHashSnapshot = doc.ContentHash
	updatedAt := doc.UpdatedAt
	item.LastSeenUpdatedAt = &updatedAt

	count, err := o.engine.EmbedDocument(ctx, doc, run.StagingCollection, embedder)
	if err != nil {
		o.log.Error("reindex item failed", "run_id", run.ID, "document_id", doc.ID, "err", err)
		finish(store.ItemFailed, err.Error())
		return
	}
	item.IndexedChunkCount = count
	item.NeedsCatchup = false
	finish(store.ItemSucceeded, "")
}

// settle recomputes drift and the summary, then moves the run to apply_ready
// or catchup_pending.
func (o *Orchestrator) settle(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	drifted, items, err := o.detectDrift(ctx, run)
	if err != nil {
		return err
	}

	summary := store.RunSummary{Total: len(items), ByStatus: map[string]int{}}
	for _, item := range items {
		summary.ByStatus[string(item.Status)]++
		summary.IndexedChunksTotal += item.IndexedChunkCount
		if item.NeedsCatchup {
			summary.NeedsCatchup++
		}
	}
	if err := o.store.SetRunSummary(ctx, runID, summary, drifted); err != nil {
		return err
	}

	next := store.RunApplyReady
	if drifted > 0 {
		next = store.RunCatchupPending
	}
	if err := o.store.SetRunStatus(ctx, runID, next, ""); err != nil {
		return err
	}
	o.log.Info("reindex run settled", "run_id", runID, "status", next, "drifted", drifted)
	return nil
}

// detectDrift flags succeeded items whose live document changed since its
// snapshot was embedded. Deleted documents are not drift, but their points
// must not survive in staging: they are purged and the item is marked
// skipped, so an apply cannot resurrect a deleted document.
func (o *Orchestrator) detectDrift(ctx context.Context, run store.ReindexRun) (int, []store.ReindexRunItem, error) {
	items, err := o.store.ListRunItems(ctx, run.ID)
	if err != nil {
		return 0, nil, err
	}
	drifted := 0
	for i, item := range items {
		if item.Status != store.ItemSucceeded {
			continue
		}
		doc, err := o.store.GetDocument(ctx, item.DocumentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, nil, err
		}
		if err != nil || doc.DeletedAt != nil {
			if derr := o.index.DeleteByDocument(ctx, run.StagingCollection, item.DocumentID.String()); derr != nil {
				return 0, nil, fmt.Errorf("purge deleted document %s from staging: %w", item.DocumentID, derr)
			}
			item.Status = store.ItemSkipped
			item.ErrorSummary = "document deleted after embedding"
			item.IndexedChunkCount = 0
			item.NeedsCatchup = false
			if uerr := o.store.UpdateRunItem(ctx, item); uerr != nil {
				return 0, nil, uerr
			}
			items[i] = item
			continue
		}
		changed := doc.ContentHash != item.ContentHashSnapshot ||
			(item.LastSeenUpdatedAt != nil && doc.UpdatedAt.After(*item.LastSeenUpdatedAt))
		if changed != item.NeedsCatchup {
			item.NeedsCatchup = changed
			if err := o.store.UpdateRunItem(ctx, item); err != nil {
				return 0, nil, err
			}
			items[i] = item
		}
		if changed {
			drifted++
		}
	}
	return drifted, items, nil
}

// CatchupPreview reports which documents drifted, without changing the run.
func (o *Orchestrator) CatchupPreview(ctx context.Context, runID uuid.UUID) ([]store.ReindexRunItem, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	_, items, err := o.detectDrift(ctx, run)
	if err != nil {
		return nil, err
	}
	var drifted []store.ReindexRunItem
	for _, item := range items {
		if item.NeedsCatchup {
			drifted = append(drifted, item)
		}
	}
	return drifted, nil
}

// QueueCatchup moves a catchup_pending run to catchup_running and enqueues
// the catchup task.
func (o *Orchestrator) QueueCatchup(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunCatchupPending {
		return fmt.Errorf("%w: %s", ErrRunNotReady, run.Status)
	}
	if err := o.store.SetRunStatus(ctx, runID, store.RunCatchupRunning, ""); err != nil {
		return err
	}
	if err := o.enqueue(ctx, runID, queue.TaskTypeReindexCatchup); err != nil {
		o.failRun(ctx, runID, fmt.Errorf("enqueue catchup: %w", err))
		return err
	}
	return nil
}

// RunCatchup re-embeds every drifted document, then settles the run again.
// Documents edited during catchup surface as fresh drift.
func (o *Orchestrator) RunCatchup(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunCatchupRunning {
		o.log.Info("skipping catchup, run not in catchup_running", "run_id", runID, "status", run.Status)
		return nil
	}

	target, err := o.store.GetProfile(ctx, run.TargetProfileID)
	if err != nil {
		o.failRun(ctx, runID, err)
		return nil
	}
	embedder, err := o.newEmbedder(target)
	if err != nil {
		o.failRun(ctx, runID, fmt.Errorf("build embedder: %w", err))
		return nil
	}

	items, err := o.store.ListRunItems(ctx, runID)
	if err != nil {
		o.failRun(ctx, runID, err)
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, item := range items {
		if !item.NeedsCatchup {
			continue
		}
		item := item
		g.Go(func() error {
			current, err := o.store.GetRun(groupCtx, runID)
			if err == nil && current.Status == store.RunCancelled {
				return nil
			}
			o.processItem(groupCtx, run, item, embedder)
			return nil
		})
	}
	_ = g.Wait()

	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunCancelled {
		return nil
	}
	return o.settle(ctx, runID)
}

// Apply switches the live alias to the staging collection and activates the
// target profile. A final drift check runs first: any drifted document blocks
// the switch and sends the run back to catchup_pending.
func (o *Orchestrator) Apply(ctx context.Context, runID uuid.UUID) (store.ReindexRun, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return store.ReindexRun{}, err
	}
	if run.Status != store.RunApplyReady {
		return run, fmt.Errorf("%w: %s", ErrRunNotReady, run.Status)
	}

	drifted, _, err := o.detectDrift(ctx, run)
	if err != nil {
		return run, err
	}
	if drifted > 0 {
		// settle records the fresh drift count and parks the run in
		// catchup_pending.
		if err := o.settle(ctx, runID); err != nil {
			return run, err
		}
		o.log.Info("apply blocked by drift", "run_id", runID, "drifted", drifted)
		return run, fmt.Errorf("%w: %d documents", ErrApplyBlocked, drifted)
	}

	if err := o.index.SwitchAlias(ctx, o.activeAlias, run.StagingCollection); err != nil {
		return run, fmt.Errorf("switch alias: %w", err)
	}
	if err := o.store.ActivateProfile(ctx, run.TargetProfileID); err != nil {
		return run, fmt.Errorf("activate profile: %w", err)
	}
	if err := o.store.SetRunStatus(ctx, runID, store.RunApplied, ""); err != nil {
		return run, err
	}
	o.log.Info("reindex run applied", "run_id", runID, "alias", o.activeAlias, "collection", run.StagingCollection)
	return o.store.GetRun(ctx, runID)
}

// Cancel aborts a live run. The staging collection is left in place for later
// cleanup and the live alias is untouched.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunNotReady, run.Status)
	}
	if err := o.store.SetRunStatus(ctx, runID, store.RunCancelled, "cancelled by operator"); err != nil {
		return err
	}
	o.log.Info("reindex run cancelled", "run_id", runID, "staging", run.StagingCollection)
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, runID uuid.UUID, taskType queue.TaskType) error {
	payload, err := json.Marshal(TaskPayload{RunID: runID})
	if err != nil {
		return err
	}
	return queue.EnqueueWithRetry(ctx, o.queue, queue.Task{
		ID:      uuid.New(),
		Type:    taskType,
		Payload: payload,
	}, 3, 200*time.Millisecond)
}

func (o *Orchestrator) failRun(ctx context.Context, runID uuid.UUID, cause error) {
	o.log.Error("reindex run failed", "run_id", runID, "err", cause)
	if err := o.store.SetRunStatus(ctx, runID, store.RunFailed, cause.Error()); err != nil {
		o.log.Error("failed to record run failure", "run_id", runID, "err", err)
	}
}

// stagingCollectionName derives a collection name from the profile's model
// and id, unique per profile and stable across restarts.
func stagingCollectionName(p store.EmbeddingProfile) string {
	model := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, p.ModelID)
	id := strings.ReplaceAll(p.ID.String(), "-", "")[:8]
	return fmt.Sprintf("chunks_%s_%s", model, id)
}
