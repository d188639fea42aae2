package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and local development. It
// enforces the same invariants as the Postgres implementation: one active job
// per document, one live reindex run system-wide, one active profile.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[uuid.UUID]*Document
	jobs      map[uuid.UUID]*ProcessingJob
	events    []JobEvent
	nextEvent int64
	profiles  map[uuid.UUID]*EmbeddingProfile
	runs      map[uuid.UUID]*ReindexRun
	items     map[uuid.UUID]*ReindexRunItem
	scheduler SchedulerState
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		documents: map[uuid.UUID]*Document{},
		jobs:      map[uuid.UUID]*ProcessingJob{},
		profiles:  map[uuid.UUID]*EmbeddingProfile{},
		runs:      map[uuid.UUID]*ReindexRun{},
		items:     map[uuid.UUID]*ReindexRunItem{},
	}
}

func now() time.Time { return time.Now().UTC() }

// Documents

func (s *MemoryStore) CreateDocument(_ context.Context, d Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DocUploaded
	}
	d.CreatedAt = now()
	d.UpdatedAt = d.CreatedAt
	cp := d
	s.documents[d.ID] = &cp
	return d, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id uuid.UUID) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return *d, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, projectID uuid.UUID) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.documents {
		if d.ProjectID == projectID && d.DeletedAt == nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListLiveDocuments(_ context.Context) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.documents {
		if d.DeletedAt == nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetDocumentStatus(_ context.Context, id uuid.UUID, status DocumentStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.StatusMessage = message
	d.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) SetDocumentProgress(_ context.Context, id uuid.UUID, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.Progress = p
	d.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) SetDocumentPageCount(_ context.Context, id uuid.UUID, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.PageCount = pages
	d.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) SetDocumentIndexed(_ context.Context, id uuid.UUID, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.IndexedChunkCount = chunkCount
	d.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) UpdateDocumentContent(_ context.Context, id uuid.UUID, storagePath, contentHash string, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.StoragePath = storagePath
	d.ContentHash = contentHash
	d.SizeBytes = sizeBytes
	d.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) SoftDeleteDocument(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	if d.DeletedAt == nil {
		t := now()
		d.DeletedAt = &t
		d.UpdatedAt = t
	}
	return nil
}

// Processing jobs

func (s *MemoryStore) activeJobLocked(documentID uuid.UUID) *ProcessingJob {
	for _, j := range s.jobs {
		if j.DocumentID == documentID && !j.Status.Terminal() {
			return j
		}
	}
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, j ProcessingJob) (ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeJobLocked(j.DocumentID); existing != nil {
		return ProcessingJob{}, ErrJobAlreadyActive
	}
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	j.CreatedAt = now()
	j.UpdatedAt = j.CreatedAt
	cp := j
	s.jobs[j.ID] = &cp
	return j, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ProcessingJob{}, ErrNotFound
	}
	return *j, nil
}

func (s *MemoryStore) ActiveJobForDocument(_ context.Context, documentID uuid.UUID) (*ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.activeJobLocked(documentID); j != nil {
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, f JobFilter) ([]ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Time{}
	if f.RecentTerminalWindow > 0 {
		cutoff = now().Add(-f.RecentTerminalWindow)
	}
	var out []ProcessingJob
	for _, j := range s.jobs {
		if f.ProjectID != nil && j.ProjectID != *f.ProjectID {
			continue
		}
		if f.DocumentID != nil && j.DocumentID != *f.DocumentID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
			continue
		}
		if len(f.JobTypes) > 0 && !containsType(f.JobTypes, j.JobType) {
			continue
		}
		if !cutoff.IsZero() && j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsStatus(haystack []JobStatus, needle JobStatus) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsType(haystack []JobType, needle JobType) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ActiveDocumentIDs(_ context.Context, projectID *uuid.UUID) (map[uuid.UUID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[uuid.UUID]bool{}
	for _, j := range s.jobs {
		if j.Status != JobDispatched && j.Status != JobRunning {
			continue
		}
		if projectID != nil && j.ProjectID != *projectID {
			continue
		}
		out[j.DocumentID] = true
	}
	return out, nil
}

func (s *MemoryStore) CountQueuedJobs(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobQueued {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkJobDispatched(_ context.Context, id uuid.UUID, info DispatchInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobQueued {
		return false, nil
	}
	for _, other := range s.jobs {
		if other.ID != j.ID && other.DocumentID == j.DocumentID &&
			(other.Status == JobDispatched || other.Status == JobRunning) {
			return false, nil
		}
	}
	t := now()
	j.Status = JobDispatched
	j.DispatchedAt = &t
	j.DispatchTrigger = info.Trigger
	j.DispatchBatchID = info.BatchID
	j.ErrorSummary = ""
	j.UpdatedAt = t
	return true, nil
}

func (s *MemoryStore) SetJobTaskID(_ context.Context, id uuid.UUID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.TaskID = taskID
	j.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) ReturnJobToQueue(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != JobDispatched {
		return nil
	}
	j.Status = JobQueued
	j.DispatchedAt = nil
	j.DispatchTrigger = ""
	j.DispatchBatchID = ""
	j.ErrorSummary = reason
	j.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) CancelJob(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	t := now()
	j.Status = JobCancelled
	j.ErrorSummary = reason
	j.FinishedAt = &t
	j.UpdatedAt = t
	return nil
}

func (s *MemoryStore) StartJob(_ context.Context, id uuid.UUID) (ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ProcessingJob{}, ErrNotFound
	}
	t := now()
	j.Status = JobRunning
	j.AttemptCount++
	if j.StartedAt == nil {
		j.StartedAt = &t
	}
	j.UpdatedAt = t
	return *j, nil
}

func (s *MemoryStore) SetJobProgress(_ context.Context, id uuid.UUID, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Progress = p
	j.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) FinishJob(_ context.Context, id uuid.UUID, status JobStatus, errorSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	t := now()
	j.Status = status
	j.ErrorSummary = errorSummary
	j.FinishedAt = &t
	j.UpdatedAt = t
	return nil
}

// Job events

func (s *MemoryStore) AppendJobEvent(_ context.Context, e JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	e.ID = s.nextEvent
	if e.Level == "" {
		e.Level = "info"
	}
	e.CreatedAt = now()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) ListJobEvents(_ context.Context, jobID uuid.UUID) ([]JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobEvent
	for _, e := range s.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestJobEvents(_ context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[uuid.UUID]bool{}
	for _, id := range jobIDs {
		wanted[id] = true
	}
	out := map[uuid.UUID]JobEvent{}
	for _, e := range s.events {
		if wanted[e.JobID] {
			out[e.JobID] = e
		}
	}
	return out, nil
}

// Embedding profiles

func (s *MemoryStore) CreateProfile(_ context.Context, p EmbeddingProfile) (EmbeddingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProfileDraft
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	cp := p
	s.profiles[p.ID] = &cp
	return p, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, id uuid.UUID) (EmbeddingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return EmbeddingProfile{}, ErrNotFound
	}
	return *p, nil
}

func (s *MemoryStore) ActiveProfile(_ context.Context) (EmbeddingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Status == ProfileActive {
			return *p, nil
		}
	}
	return EmbeddingProfile{}, ErrNotFound
}

func (s *MemoryStore) LatestDraftProfile(_ context.Context) (*EmbeddingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *EmbeddingProfile
	for _, p := range s.profiles {
		if p.Status != ProfileDraft {
			continue
		}
		if latest == nil || p.UpdatedAt.After(latest.UpdatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) CountProfilesForModel(_ context.Context, provider, modelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.profiles {
		if p.Provider == provider && p.ModelID == modelID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetProfileCollection(_ context.Context, id uuid.UUID, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.CollectionName = collection
	p.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) SetProfileStatus(_ context.Context, id uuid.UUID, status ProfileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) ActivateProfile(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	for _, p := range s.profiles {
		if p.Status == ProfileActive && p.ID != id {
			p.Status = ProfileRetired
			p.UpdatedAt = now()
		}
	}
	target.Status = ProfileActive
	target.UpdatedAt = now()
	return nil
}

// Reindex runs

func (s *MemoryStore) CreateRun(_ context.Context, r ReindexRun, items []ReindexRunItem) (ReindexRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if !existing.Status.Terminal() {
			return ReindexRun{}, ErrReindexRunActive
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	r.CreatedAt = now()
	r.UpdatedAt = r.CreatedAt
	cp := r
	s.runs[r.ID] = &cp
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.Status == "" {
			item.Status = ItemQueued
		}
		item.RunID = r.ID
		item.CreatedAt = now()
		item.UpdatedAt = item.CreatedAt
		icp := item
		s.items[item.ID] = &icp
	}
	return r, nil
}

func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (ReindexRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ReindexRun{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]ReindexRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReindexRun
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetRunStatus(_ context.Context, id uuid.UUID, status RunStatus, errorSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	t := now()
	r.Status = status
	r.ErrorSummary = errorSummary
	r.UpdatedAt = t
	if status == RunRunning && r.StartedAt == nil {
		r.StartedAt = &t
	}
	if status.Terminal() && r.FinishedAt == nil {
		r.FinishedAt = &t
	}
	if status == RunApplied {
		r.AppliedAt = &t
	}
	return nil
}

func (s *MemoryStore) SetRunSummary(_ context.Context, id uuid.UUID, sum RunSummary, driftDetected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Summary = sum
	r.DriftDetected = driftDetected
	r.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) ListRunItems(_ context.Context, runID uuid.UUID) ([]ReindexRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReindexRunItem
	for _, it := range s.items {
		if it.RunID == runID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateRunItem(_ context.Context, item ReindexRunItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[item.ID]
	if !ok {
		return ErrNotFound
	}
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = now()
	cp := item
	s.items[item.ID] = &cp
	return nil
}

// Scheduler state

func (s *MemoryStore) SchedulerState(_ context.Context) (SchedulerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler, nil
}

func (s *MemoryStore) SaveSchedulerState(_ context.Context, st SchedulerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = st
	return nil
}

func (s *MemoryStore) Close() error { return nil }
