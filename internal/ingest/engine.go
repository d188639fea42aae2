package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"docqa/internal/cache"
	"docqa/internal/chunker"
	"docqa/internal/embeddings"
	"docqa/internal/parser"
	"docqa/internal/queue"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// EmbedderFactory builds an embedder for a profile's provider and model.
type EmbedderFactory func(profile store.EmbeddingProfile) (embeddings.Embedder, error)

// Engine executes processing jobs: parse, chunk, embed, index. One job runs
// the whole pipeline for one document; a failed stage marks both the job and
// the document failed. Each job embeds with whatever profile is active when
// it runs, so an applied reindex takes effect without a restart.
type Engine struct {
	log          *slog.Logger
	store        store.Store
	index        vectorindex.Index
	newEmbedder  EmbedderFactory
	cache        cache.Cache
	chunkSize    int
	chunkOverlap int
	maxPDFPages  int
	flushSize    int
}

type EngineConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MaxPDFPages  int
	// FlushSize is how many chunks are embedded and upserted per round trip.
	FlushSize int
}

func NewEngine(log *slog.Logger, st store.Store, idx vectorindex.Index, factory EmbedderFactory, c cache.Cache, cfg EngineConfig) *Engine {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 64
	}
	return &Engine{
		log:          log,
		store:        st,
		index:        idx,
		newEmbedder:  factory,
		cache:        c,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		maxPDFPages:  cfg.MaxPDFPages,
		flushSize:    cfg.FlushSize,
	}
}

// HandleTask is the queue handler for ingest tasks.
func (e *Engine) HandleTask(ctx context.Context, task queue.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		e.log.Error("invalid ingest payload", "task_id", task.ID, "err", err)
		return nil
	}
	return e.RunJob(ctx, payload.JobID)
}

// RunJob drives one processing job to a terminal state. Pipeline failures are
// recorded on the job and document and do not bounce the task back to the
// queue; only infrastructure errors before the job starts are returned.
func (e *Engine) RunJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		e.log.Info("skipping terminal job", "job_id", jobID, "status", job.Status)
		return nil
	}

	doc, err := e.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	if doc.DeletedAt != nil {
		return e.store.CancelJob(ctx, job.ID, "document deleted")
	}

	job, err = e.store.StartJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	if err := e.runPipeline(ctx, job, doc); err != nil {
		e.failJob(ctx, job, doc.ID, err)
		return nil
	}
	return nil
}

func (e *Engine) runPipeline(ctx context.Context, job store.ProcessingJob, doc store.Document) error {
	// Parse
	if err := e.transitionDocument(ctx, &doc, store.DocParsing, ""); err != nil {
		return err
	}
	e.event(ctx, job.ID, "parsing", "started parsing", nil)
	e.progress(ctx, job, doc.ID, store.Progress{Stage: "parsing"})

	content, err := os.ReadFile(doc.StoragePath)
	if err != nil {
		return fmt.Errorf("read stored file: %w", err)
	}
	parsed, err := parser.Parse(doc.Filename, content, e.maxPDFPages)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := e.store.SetDocumentPageCount(ctx, doc.ID, parsed.PageCount); err != nil {
		return err
	}
	e.event(ctx, job.ID, "parsing", fmt.Sprintf("parsed %d pages", parsed.PageCount), map[string]any{
		"pages_total": parsed.PageCount,
		"empty_pages": len(parsed.EmptyPages),
	})

	// Chunk
	if err := e.transitionDocument(ctx, &doc, store.DocChunking, ""); err != nil {
		return err
	}
	e.progress(ctx, job, doc.ID, store.Progress{Stage: "chunking", PagesProcessed: parsed.PageCount, PagesTotal: parsed.PageCount})

	chunks := e.chunkPages(doc.ID.String(), parsed.Pages)
	if len(chunks) == 0 {
		return fmt.Errorf("no text extracted from %s", doc.Filename)
	}
	e.event(ctx, job.ID, "chunking", fmt.Sprintf("produced %d chunks", len(chunks)), map[string]any{
		"chunks_total": len(chunks),
	})

	// Embed and index
	if err := e.transitionDocument(ctx, &doc, store.DocEmbedding, ""); err != nil {
		return err
	}
	profile, err := e.store.ActiveProfile(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no active embedding profile")
		}
		return err
	}
	embedder, err := e.newEmbedder(profile)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	total := len(chunks)
	indexed, err := e.indexChunks(ctx, doc, chunks, profile.CollectionName, embedder, func(done int) {
		e.progress(ctx, job, doc.ID, store.Progress{
			Stage:          "embedding",
			PagesProcessed: parsed.PageCount,
			PagesTotal:     parsed.PageCount,
			ChunksTotal:    total,
			EmbeddedChunks: done,
			IndexedChunks:  done,
		})
	})
	if err != nil {
		return err
	}
	e.event(ctx, job.ID, "indexing", fmt.Sprintf("indexed %d chunks", indexed), map[string]any{
		"indexed_chunks": indexed,
		"collection":     profile.CollectionName,
	})

	// Finish
	if err := e.store.SetDocumentIndexed(ctx, doc.ID, indexed); err != nil {
		return err
	}
	if err := e.transitionDocument(ctx, &doc, store.DocIndexed, ""); err != nil {
		return err
	}
	if err := e.store.FinishJob(ctx, job.ID, store.JobSucceeded, ""); err != nil {
		return err
	}
	if err := e.cache.InvalidateProject(ctx, doc.ProjectID.String()); err != nil {
		e.log.Error("failed to invalidate answer cache", "project_id", doc.ProjectID, "err", err)
	}
	e.log.Info("job succeeded", "job_id", job.ID, "document_id", doc.ID, "chunks", indexed)
	return nil
}

// EmbedDocument re-embeds a document into the given collection with the given
// embedder, replacing any previous points for it there. It never touches
// document status, which keeps it safe to run against a staging collection
// while the document stays live.
func (e *Engine) EmbedDocument(ctx context.Context, doc store.Document, collection string, embedder embeddings.Embedder) (int, error) {
	content, err := os.ReadFile(doc.StoragePath)
	if err != nil {
		return 0, fmt.Errorf("read stored file: %w", err)
	}
	parsed, err := parser.Parse(doc.Filename, content, e.maxPDFPages)
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}
	chunks := e.chunkPages(doc.ID.String(), parsed.Pages)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text extracted from %s", doc.Filename)
	}
	return e.indexChunks(ctx, doc, chunks, collection, embedder, nil)
}

func (e *Engine) chunkPages(documentID string, pages []parser.Page) []chunker.Chunk {
	var chunks []chunker.Chunk
	next := 0
	for _, page := range pages {
		pageChunks := chunker.ChunkText(documentID, page.Text, chunker.Options{
			ChunkSize:  e.chunkSize,
			Overlap:    e.chunkOverlap,
			StartIndex: next,
			SourcePage: page.Number,
		})
		next += len(pageChunks)
		chunks = append(chunks, pageChunks...)
	}
	return chunks
}

// indexChunks deletes the document's old points from collection, then embeds
// and upserts in flush-sized batches.
func (e *Engine) indexChunks(ctx context.Context, doc store.Document, chunks []chunker.Chunk, collection string, embedder embeddings.Embedder, onFlush func(done int)) (int, error) {
	if err := e.index.DeleteByDocument(ctx, collection, doc.ID.String()); err != nil {
		return 0, fmt.Errorf("delete old vectors: %w", err)
	}

	done := 0
	for start := 0; start < len(chunks); start += e.flushSize {
		end := start + e.flushSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, texts, embeddings.ModePassage)
		if err != nil {
			return done, fmt.Errorf("embed: %w", err)
		}

		points := make([]vectorindex.Point, len(batch))
		for i, c := range batch {
			points[i] = vectorindex.Point{
				ID:     vectorindex.PointID(doc.ID.String(), c.ID),
				Vector: vectors[i],
				Payload: vectorindex.Payload{
					ProjectID:  doc.ProjectID.String(),
					DocumentID: doc.ID.String(),
					ChunkID:    c.ID,
					ChunkIndex: c.Index,
					Text:       c.Text,
					Page:       c.SourcePage,
					Filename:   doc.Filename,
				},
			}
		}
		if err := e.index.Upsert(ctx, collection, points); err != nil {
			return done, fmt.Errorf("upsert: %w", err)
		}
		done += len(batch)
		if onFlush != nil {
			onFlush(done)
		}
	}
	return done, nil
}

func (e *Engine) transitionDocument(ctx context.Context, doc *store.Document, to store.DocumentStatus, message string) error {
	// A reprocessed document returns to uploaded before the pipeline restarts.
	if doc.Status.Terminal() && to == store.DocParsing {
		if err := e.store.SetDocumentStatus(ctx, doc.ID, store.DocUploaded, ""); err != nil {
			return err
		}
		doc.Status = store.DocUploaded
	}
	if !store.ValidDocumentTransition(doc.Status, to) {
		return fmt.Errorf("illegal document transition %s -> %s", doc.Status, to)
	}
	if err := e.store.SetDocumentStatus(ctx, doc.ID, to, message); err != nil {
		return err
	}
	doc.Status = to
	return nil
}

func (e *Engine) failJob(ctx context.Context, job store.ProcessingJob, docID uuid.UUID, cause error) {
	e.log.Error("job failed", "job_id", job.ID, "document_id", docID, "err", cause)
	e.event(ctx, job.ID, "error", cause.Error(), map[string]any{"level": "error"})
	if err := e.store.FinishJob(ctx, job.ID, store.JobFailed, cause.Error()); err != nil {
		e.log.Error("failed to record job failure", "job_id", job.ID, "err", err)
	}
	if err := e.store.SetDocumentStatus(ctx, docID, store.DocFailed, cause.Error()); err != nil {
		e.log.Error("failed to mark document failed", "document_id", docID, "err", err)
	}
	if err := e.store.SetJobProgress(ctx, job.ID, store.Progress{Stage: "failed", Error: cause.Error()}); err != nil {
		e.log.Error("failed to record job progress", "job_id", job.ID, "err", err)
	}
}

func (e *Engine) event(ctx context.Context, jobID uuid.UUID, stage, message string, details map[string]any) {
	level := "info"
	if stage == "error" {
		level = "error"
	}
	if err := e.store.AppendJobEvent(ctx, store.JobEvent{
		JobID:   jobID,
		Stage:   stage,
		Level:   level,
		Message: message,
		Details: details,
	}); err != nil {
		e.log.Error("failed to append job event", "job_id", jobID, "stage", stage, "err", err)
	}
}

func (e *Engine) progress(ctx context.Context, job store.ProcessingJob, docID uuid.UUID, p store.Progress) {
	if err := e.store.SetJobProgress(ctx, job.ID, p); err != nil {
		e.log.Error("failed to update job progress", "job_id", job.ID, "err", err)
	}
	if err := e.store.SetDocumentProgress(ctx, docID, p); err != nil {
		e.log.Error("failed to update document progress", "document_id", docID, "err", err)
	}
}
