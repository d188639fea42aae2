package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the per-document lifecycle state.
type DocumentStatus string

const (
	DocUploaded  DocumentStatus = "uploaded"
	DocParsing   DocumentStatus = "parsing"
	DocChunking  DocumentStatus = "chunking"
	DocEmbedding DocumentStatus = "embedding"
	DocIndexed   DocumentStatus = "indexed"
	DocFailed    DocumentStatus = "failed"
)

// documentTransitions is the closed transition table. failed is reachable from
// every non-terminal state; reprocess moves terminal states back to uploaded.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocUploaded:  {DocParsing, DocFailed},
	DocParsing:   {DocChunking, DocFailed},
	DocChunking:  {DocEmbedding, DocFailed},
	DocEmbedding: {DocIndexed, DocFailed},
	DocIndexed:   {DocUploaded},
	DocFailed:    {DocUploaded},
}

// ValidDocumentTransition reports whether from -> to is a legal status change.
func ValidDocumentTransition(from, to DocumentStatus) bool {
	for _, next := range documentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the document has finished processing.
func (s DocumentStatus) Terminal() bool {
	return s == DocIndexed || s == DocFailed
}

// JobStatus is the per-job lifecycle state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobDispatched JobStatus = "dispatched"
	JobRunning    JobStatus = "running"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// ActiveJobStatuses are the non-terminal job states. At most one job per
// document may be in any of them at a time.
var ActiveJobStatuses = []JobStatus{JobQueued, JobDispatched, JobRunning}

// TerminalJobStatuses are the states a job can never leave.
var TerminalJobStatuses = []JobStatus{JobSucceeded, JobFailed, JobCancelled}

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobType distinguishes first ingestion from explicit reprocessing.
type JobType string

const (
	JobTypeIngest    JobType = "ingest"
	JobTypeReprocess JobType = "reprocess"
)

// Progress mirrors the per-stage counters shown in the document list and the
// job detail view. Persisted as JSONB on both documents and jobs.
type Progress struct {
	Stage          string `json:"stage"`
	PagesProcessed int    `json:"pages_processed,omitempty"`
	PagesTotal     int    `json:"pages_total,omitempty"`
	ChunksTotal    int    `json:"chunks_total,omitempty"`
	EmbeddedChunks int    `json:"embedded_chunks,omitempty"`
	IndexedChunks  int    `json:"indexed_chunks,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Document is an uploaded file owned by a project. Mutated only by the
// ingestion engine; soft-deleted, never physically removed while jobs
// reference it.
type Document struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Filename          string
	StoragePath       string
	SizeBytes         int64
	PageCount         int
	ContentHash       string
	Status            DocumentStatus
	StatusMessage     string
	Progress          Progress
	IndexedChunkCount int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// ProcessingJob is one queued/dispatched/running execution of the ingestion
// pipeline for a document.
type ProcessingJob struct {
	ID              uuid.UUID
	DocumentID      uuid.UUID
	ProjectID       uuid.UUID
	JobType         JobType
	Status          JobStatus
	TaskID          string
	AttemptCount    int
	DispatchTrigger string
	DispatchBatchID string
	Progress        Progress
	ErrorSummary    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DispatchedAt    *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// JobEvent is an append-only log row for a job. Never mutated.
type JobEvent struct {
	ID        int64
	JobID     uuid.UUID
	Stage     string
	Level     string
	Message   string
	Details   map[string]any
	CreatedAt time.Time
}

// ProfileStatus is the embedding profile lifecycle.
type ProfileStatus string

const (
	ProfileDraft     ProfileStatus = "draft"
	ProfileValidated ProfileStatus = "validated"
	ProfileActive    ProfileStatus = "active"
	ProfileRetired   ProfileStatus = "retired"
)

// EmbeddingProfile is a versioned vector-space configuration. Exactly one
// profile holds active for a given alias; it is the authoritative pointer for
// live retrieval.
type EmbeddingProfile struct {
	ID              uuid.UUID
	Name            string
	Provider        string
	ModelID         string
	Dimensions      int
	DistanceMetric  string
	Normalize       bool
	InputPrefixMode string
	CollectionName  string
	AliasName       string
	Status          ProfileStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RunStatus is the reindex run lifecycle.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunCatchupPending RunStatus = "catchup_pending"
	RunCatchupRunning RunStatus = "catchup_running"
	RunApplyReady     RunStatus = "apply_ready"
	RunApplied        RunStatus = "applied"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// ActiveRunStatuses are the states that exclude starting another run.
var ActiveRunStatuses = []RunStatus{RunQueued, RunRunning, RunCatchupPending, RunCatchupRunning, RunApplyReady}

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunApplied || s == RunFailed || s == RunCancelled
}

// RunSummary aggregates per-item state for a reindex run.
type RunSummary struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	NeedsCatchup       int            `json:"needs_catchup"`
	IndexedChunksTotal int            `json:"indexed_chunks_total"`
}

// ReindexRun migrates the corpus from one embedding profile to another via a
// staging collection, applied by an atomic alias repoint.
type ReindexRun struct {
	ID                uuid.UUID
	SourceProfileID   *uuid.UUID // nil means first-time population
	TargetProfileID   uuid.UUID
	StagingCollection string
	Status            RunStatus
	Summary           RunSummary
	DriftDetected     int
	ErrorSummary      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	AppliedAt         *time.Time
}

// ItemStatus is the per-document state inside a reindex run.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// Terminal reports whether the item needs no further bulk work.
func (s ItemStatus) Terminal() bool {
	return s == ItemSucceeded || s == ItemFailed || s == ItemSkipped
}

// ReindexRunItem tracks one document inside a run. ContentHashSnapshot and
// LastSeenUpdatedAt capture what was embedded into staging; divergence from
// the live document sets NeedsCatchup.
type ReindexRunItem struct {
	ID                  uuid.UUID
	RunID               uuid.UUID
	DocumentID          uuid.UUID
	Status              ItemStatus
	AttemptCount        int
	ContentHashSnapshot string
	LastSeenUpdatedAt   *time.Time
	IndexedChunkCount   int
	NeedsCatchup        bool
	ErrorSummary        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// SchedulerState is the persisted daily-sweep bookkeeping, one row.
type SchedulerState struct {
	Timezone                 string     `json:"timezone"`
	LastMidnightRunLocalDate string     `json:"last_midnight_run_local_date,omitempty"`
	LastMidnightDispatchAt   *time.Time `json:"last_midnight_dispatch_at,omitempty"`
	LastMidnightDispatched   int        `json:"last_midnight_dispatched_count"`
	LastStartupCatchupAt     *time.Time `json:"last_startup_catchup_at,omitempty"`
	LastStartupDispatched    int        `json:"last_startup_catchup_dispatched_count"`
	LastBatchDispatchID      string     `json:"last_batch_dispatch_id,omitempty"`
}

// JobFilter selects jobs for listings and the queue overview.
type JobFilter struct {
	ProjectID  *uuid.UUID
	DocumentID *uuid.UUID
	Statuses   []JobStatus
	JobTypes   []JobType
	// RecentTerminalWindow, when set together with terminal statuses, limits
	// terminal jobs to those updated within the trailing window.
	RecentTerminalWindow time.Duration
	Limit                int
}

// DispatchInfo records how a job left the queue.
type DispatchInfo struct {
	Trigger string
	BatchID string
}

var (
	ErrNotFound = errors.New("not found")
	// ErrJobAlreadyActive signals a second non-terminal job for a document.
	ErrJobAlreadyActive = errors.New("document already has an active processing job")
	// ErrReindexRunActive signals a concurrent reindex run; runs are rejected,
	// never queued behind each other.
	ErrReindexRunActive = errors.New("another reindex run is already in progress")
)

// Store is the persistence contract for documents, jobs, profiles, and
// reindex runs. Postgres in production, memory in tests.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, d Document) (Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, projectID uuid.UUID) ([]Document, error)
	ListLiveDocuments(ctx context.Context) ([]Document, error)
	SetDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, message string) error
	SetDocumentProgress(ctx context.Context, id uuid.UUID, p Progress) error
	SetDocumentPageCount(ctx context.Context, id uuid.UUID, pages int) error
	SetDocumentIndexed(ctx context.Context, id uuid.UUID, chunkCount int) error
	UpdateDocumentContent(ctx context.Context, id uuid.UUID, storagePath, contentHash string, sizeBytes int64) error
	SoftDeleteDocument(ctx context.Context, id uuid.UUID) error

	// Processing jobs. CreateJob returns ErrJobAlreadyActive when the document
	// already has a non-terminal job. MarkJobDispatched is the transactional
	// queued -> dispatched edge; it returns false when the job was not queued
	// anymore or the document acquired another active job in the meantime.
	CreateJob(ctx context.Context, j ProcessingJob) (ProcessingJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (ProcessingJob, error)
	ActiveJobForDocument(ctx context.Context, documentID uuid.UUID) (*ProcessingJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]ProcessingJob, error)
	ActiveDocumentIDs(ctx context.Context, projectID *uuid.UUID) (map[uuid.UUID]bool, error)
	CountQueuedJobs(ctx context.Context) (int, error)
	MarkJobDispatched(ctx context.Context, id uuid.UUID, info DispatchInfo) (bool, error)
	SetJobTaskID(ctx context.Context, id uuid.UUID, taskID string) error
	ReturnJobToQueue(ctx context.Context, id uuid.UUID, reason string) error
	CancelJob(ctx context.Context, id uuid.UUID, reason string) error
	StartJob(ctx context.Context, id uuid.UUID) (ProcessingJob, error)
	SetJobProgress(ctx context.Context, id uuid.UUID, p Progress) error
	FinishJob(ctx context.Context, id uuid.UUID, status JobStatus, errorSummary string) error

	// Job events
	AppendJobEvent(ctx context.Context, e JobEvent) error
	ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]JobEvent, error)
	LatestJobEvents(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]JobEvent, error)

	// Embedding profiles. ActivateProfile retires every other profile in the
	// same statement batch, keeping exactly one active.
	CreateProfile(ctx context.Context, p EmbeddingProfile) (EmbeddingProfile, error)
	GetProfile(ctx context.Context, id uuid.UUID) (EmbeddingProfile, error)
	ActiveProfile(ctx context.Context) (EmbeddingProfile, error)
	LatestDraftProfile(ctx context.Context) (*EmbeddingProfile, error)
	CountProfilesForModel(ctx context.Context, provider, modelID string) (int, error)
	SetProfileCollection(ctx context.Context, id uuid.UUID, collection string) error
	SetProfileStatus(ctx context.Context, id uuid.UUID, status ProfileStatus) error
	ActivateProfile(ctx context.Context, id uuid.UUID) error

	// Reindex runs. CreateRun returns ErrReindexRunActive while another run is
	// in a non-terminal state.
	CreateRun(ctx context.Context, r ReindexRun, items []ReindexRunItem) (ReindexRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (ReindexRun, error)
	ListRuns(ctx context.Context) ([]ReindexRun, error)
	SetRunStatus(ctx context.Context, id uuid.UUID, status RunStatus, errorSummary string) error
	SetRunSummary(ctx context.Context, id uuid.UUID, s RunSummary, driftDetected int) error
	ListRunItems(ctx context.Context, runID uuid.UUID) ([]ReindexRunItem, error)
	UpdateRunItem(ctx context.Context, item ReindexRunItem) error

	// Scheduler state
	SchedulerState(ctx context.Context) (SchedulerState, error)
	SaveSchedulerState(ctx context.Context, s SchedulerState) error

	Close() error
}
