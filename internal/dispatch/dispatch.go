package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"docqa/internal/ingest"
	"docqa/internal/queue"
	"docqa/internal/store"
)

// Dispatcher moves queued jobs onto the task queue. Queued jobs are inert
// until a dispatch pass picks them up, either manually or from the scheduler.
type Dispatcher struct {
	log   *slog.Logger
	store store.Store
	queue queue.Queue
}

func New(log *slog.Logger, st store.Store, q queue.Queue) *Dispatcher {
	return &Dispatcher{log: log, store: st, queue: q}
}

// Result summarizes one dispatch pass.
type Result struct {
	BatchID    string      `json:"batch_id"`
	Trigger    string      `json:"trigger"`
	Dispatched int         `json:"dispatched"`
	Superseded int         `json:"superseded"`
	Skipped    int         `json:"skipped"`
	JobIDs     []uuid.UUID `json:"job_ids"`
}

// DispatchQueued sends every eligible queued job to the worker queue under a
// fresh batch id. Per document, only the newest queued job survives; older
// ones are cancelled as superseded. Documents that already have a dispatched
// or running job are skipped entirely.
func (d *Dispatcher) DispatchQueued(ctx context.Context, trigger string, projectID *uuid.UUID) (Result, error) {
	res := Result{
		BatchID: uuid.NewString(),
		Trigger: trigger,
	}

	jobs, err := d.store.ListJobs(ctx, store.JobFilter{
		ProjectID: projectID,
		Statuses:  []store.JobStatus{store.JobQueued},
	})
	if err != nil {
		return res, fmt.Errorf("list queued jobs: %w", err)
	}
	if len(jobs) == 0 {
		return res, nil
	}

	activeDocs, err := d.store.ActiveDocumentIDs(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("list active documents: %w", err)
	}

	// Newest job first per document; everything after the first is stale.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	seen := map[uuid.UUID]bool{}
	for _, job := range jobs {
		if seen[job.DocumentID] {
			if err := d.store.CancelJob(ctx, job.ID, "superseded by newer job"); err != nil {
				d.log.Error("failed to cancel superseded job", "job_id", job.ID, "err", err)
				continue
			}
			res.Superseded++
			continue
		}
		seen[job.DocumentID] = true

		if activeDocs[job.DocumentID] {
			res.Skipped++
			continue
		}

		ok, err := d.store.MarkJobDispatched(ctx, job.ID, store.DispatchInfo{
			Trigger: trigger,
			BatchID: res.BatchID,
		})
		if err != nil {
			return res, fmt.Errorf("mark dispatched: %w", err)
		}
		if !ok {
			// Lost the race against a concurrent dispatch or cancellation.
			res.Skipped++
			continue
		}

		if err := d.enqueue(ctx, job); err != nil {
			d.log.Error("failed to enqueue job, returning to queue", "job_id", job.ID, "err", err)
			if retErr := d.store.ReturnJobToQueue(ctx, job.ID, "enqueue failed: "+err.Error()); retErr != nil {
				d.log.Error("failed to return job to queue", "job_id", job.ID, "err", retErr)
			}
			res.Skipped++
			continue
		}
		res.Dispatched++
		res.JobIDs = append(res.JobIDs, job.ID)
	}

	d.log.Info("dispatch pass finished", "trigger", trigger, "batch_id", res.BatchID,
		"dispatched", res.Dispatched, "superseded", res.Superseded, "skipped", res.Skipped)
	return res, nil
}

// DispatchJob sends one queued job to the worker queue immediately, used for
// the dispatch-now option at upload time. The per-document active-job guard
// still applies through MarkJobDispatched.
func (d *Dispatcher) DispatchJob(ctx context.Context, jobID uuid.UUID, trigger string) (store.ProcessingJob, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return store.ProcessingJob{}, err
	}
	ok, err := d.store.MarkJobDispatched(ctx, job.ID, store.DispatchInfo{Trigger: trigger})
	if err != nil {
		return job, fmt.Errorf("mark dispatched: %w", err)
	}
	if !ok {
		return job, store.ErrJobAlreadyActive
	}
	if err := d.enqueue(ctx, job); err != nil {
		d.log.Error("failed to enqueue job, returning to queue", "job_id", job.ID, "err", err)
		if retErr := d.store.ReturnJobToQueue(ctx, job.ID, "enqueue failed: "+err.Error()); retErr != nil {
			d.log.Error("failed to return job to queue", "job_id", job.ID, "err", retErr)
		}
		return job, err
	}
	d.log.Info("job dispatched", "job_id", job.ID, "trigger", trigger)
	return d.store.GetJob(ctx, job.ID)
}

func (d *Dispatcher) enqueue(ctx context.Context, job store.ProcessingJob) error {
	payload, err := json.Marshal(ingest.TaskPayload{JobID: job.ID, DocumentID: job.DocumentID})
	if err != nil {
		return err
	}
	task := queue.Task{
		ID:      uuid.New(),
		Type:    queue.TaskTypeIngest,
		Payload: payload,
	}
	if err := queue.EnqueueWithRetry(ctx, d.queue, task, 3, 200*time.Millisecond); err != nil {
		return err
	}
	return d.store.SetJobTaskID(ctx, job.ID, task.ID.String())
}

// OverviewJob is one row of the queue overview.
type OverviewJob struct {
	Job         store.ProcessingJob `json:"job"`
	Filename    string              `json:"filename"`
	LatestEvent *store.JobEvent     `json:"latest_event,omitempty"`
}

// Overview groups jobs by lifecycle bucket for the processing dashboard.
type Overview struct {
	Queued     []OverviewJob `json:"queued"`
	Dispatched []OverviewJob `json:"dispatched"`
	Running    []OverviewJob `json:"running"`
	// RecentTerminal holds jobs that reached a terminal state within the
	// trailing window.
	RecentTerminal []OverviewJob `json:"recent_terminal"`
}

// QueueOverview assembles the dashboard view: active jobs plus recently
// finished ones, each with its filename and latest event.
func (d *Dispatcher) QueueOverview(ctx context.Context, projectID *uuid.UUID, terminalWindow time.Duration) (Overview, error) {
	var overview Overview

	jobs, err := d.store.ListJobs(ctx, store.JobFilter{
		ProjectID:            projectID,
		RecentTerminalWindow: terminalWindow,
	})
	if err != nil {
		return overview, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return overview, nil
	}

	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	latest, err := d.store.LatestJobEvents(ctx, ids)
	if err != nil {
		return overview, fmt.Errorf("load latest events: %w", err)
	}

	filenames := map[uuid.UUID]string{}
	for _, j := range jobs {
		if _, ok := filenames[j.DocumentID]; ok {
			continue
		}
		doc, err := d.store.GetDocument(ctx, j.DocumentID)
		if err != nil {
			continue
		}
		filenames[j.DocumentID] = doc.Filename
	}

	for _, j := range jobs {
		row := OverviewJob{Job: j, Filename: filenames[j.DocumentID]}
		if ev, ok := latest[j.ID]; ok {
			evCopy := ev
			row.LatestEvent = &evCopy
		}
		switch j.Status {
		case store.JobQueued:
			overview.Queued = append(overview.Queued, row)
		case store.JobDispatched:
			overview.Dispatched = append(overview.Dispatched, row)
		case store.JobRunning:
			overview.Running = append(overview.Running, row)
		default:
			overview.RecentTerminal = append(overview.RecentTerminal, row)
		}
	}
	return overview, nil
}
