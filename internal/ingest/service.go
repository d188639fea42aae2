package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"docqa/internal/cache"
	"docqa/internal/lock"
	"docqa/internal/parser"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// TaskPayload is the queue message for one processing job.
type TaskPayload struct {
	JobID      uuid.UUID `json:"job_id"`
	DocumentID uuid.UUID `json:"document_id"`
}

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file exceeds upload size limit")
	ErrEmptyFile       = errors.New("file is empty")
	ErrDocumentBusy    = errors.New("document is locked by another operation")
)

// deleteLockTTL bounds how long a delete may hold a document's lock.
const deleteLockTTL = time.Minute

// Service owns document uploads and lifecycle operations. Jobs it creates
// start queued; dispatch is a separate, explicit step.
type Service struct {
	log           *slog.Logger
	store         store.Store
	index         vectorindex.Index
	cache         cache.Cache
	locker        lock.Locker
	uploadDir     string
	maxUploadSize int64
	activeAlias   string
}

func NewService(log *slog.Logger, st store.Store, idx vectorindex.Index, c cache.Cache, locker lock.Locker, uploadDir string, maxUploadSize int64, activeAlias string) *Service {
	return &Service{
		log:           log,
		store:         st,
		index:         idx,
		cache:         c,
		locker:        locker,
		uploadDir:     uploadDir,
		maxUploadSize: maxUploadSize,
		activeAlias:   activeAlias,
	}
}

// Upload stores the file, registers the document, and queues its first
// ingestion job.
func (s *Service) Upload(ctx context.Context, projectID uuid.UUID, filename string, content []byte) (store.Document, store.ProcessingJob, error) {
	if !parser.Supported(filename) {
		return store.Document{}, store.ProcessingJob{}, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(filename))
	}
	if len(content) == 0 {
		return store.Document{}, store.ProcessingJob{}, ErrEmptyFile
	}
	if s.maxUploadSize > 0 && int64(len(content)) > s.maxUploadSize {
		return store.Document{}, store.ProcessingJob{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(content))
	}

	docID := uuid.New()
	path, err := s.saveFile(docID, filename, content)
	if err != nil {
		return store.Document{}, store.ProcessingJob{}, fmt.Errorf("save upload: %w", err)
	}

	doc, err := s.store.CreateDocument(ctx, store.Document{
		ID:          docID,
		ProjectID:   projectID,
		Filename:    filename,
		StoragePath: path,
		SizeBytes:   int64(len(content)),
		ContentHash: parser.ContentHash(content),
		Status:      store.DocUploaded,
	})
	if err != nil {
		return store.Document{}, store.ProcessingJob{}, err
	}

	job, err := s.store.CreateJob(ctx, store.ProcessingJob{
		DocumentID: doc.ID,
		ProjectID:  projectID,
		JobType:    store.JobTypeIngest,
	})
	if err != nil {
		return store.Document{}, store.ProcessingJob{}, err
	}

	s.log.Info("document uploaded", "document_id", doc.ID, "filename", filename, "size", len(content), "job_id", job.ID)
	return doc, job, nil
}

// ReplaceContent swaps the stored file of an existing document and queues a
// reprocess job. The previous index entries stay live until the job runs.
func (s *Service) ReplaceContent(ctx context.Context, documentID uuid.UUID, content []byte) (store.ProcessingJob, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.ProcessingJob{}, err
	}
	if doc.DeletedAt != nil {
		return store.ProcessingJob{}, store.ErrNotFound
	}
	if len(content) == 0 {
		return store.ProcessingJob{}, ErrEmptyFile
	}
	if s.maxUploadSize > 0 && int64(len(content)) > s.maxUploadSize {
		return store.ProcessingJob{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(content))
	}

	job, err := s.store.CreateJob(ctx, store.ProcessingJob{
		DocumentID: doc.ID,
		ProjectID:  doc.ProjectID,
		JobType:    store.JobTypeReprocess,
	})
	if err != nil {
		return store.ProcessingJob{}, err
	}

	path, err := s.saveFile(doc.ID, doc.Filename, content)
	if err != nil {
		return store.ProcessingJob{}, fmt.Errorf("save upload: %w", err)
	}
	if err := s.store.UpdateDocumentContent(ctx, doc.ID, path, parser.ContentHash(content), int64(len(content))); err != nil {
		return store.ProcessingJob{}, err
	}

	s.log.Info("document content replaced", "document_id", doc.ID, "job_id", job.ID)
	return job, nil
}

// Reprocess queues a fresh pipeline pass over the stored file. Documents with
// an active job are rejected with store.ErrJobAlreadyActive.
func (s *Service) Reprocess(ctx context.Context, documentID uuid.UUID) (store.ProcessingJob, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.ProcessingJob{}, err
	}
	if doc.DeletedAt != nil {
		return store.ProcessingJob{}, store.ErrNotFound
	}

	job, err := s.store.CreateJob(ctx, store.ProcessingJob{
		DocumentID: doc.ID,
		ProjectID:  doc.ProjectID,
		JobType:    store.JobTypeReprocess,
	})
	if err != nil {
		return store.ProcessingJob{}, err
	}
	s.log.Info("reprocess queued", "document_id", doc.ID, "job_id", job.ID)
	return job, nil
}

// Delete soft-deletes the document, cancels any queued job, and removes its
// vectors from the live index. The document lock is held throughout so a
// concurrent reindex item cannot re-embed the document mid-delete.
func (s *Service) Delete(ctx context.Context, documentID uuid.UUID) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	release, ok, err := s.locker.Acquire(ctx, lock.DocumentName(documentID.String()), deleteLockTTL)
	if err != nil {
		return fmt.Errorf("acquire document lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentBusy, documentID)
	}
	defer release()

	if active, err := s.store.ActiveJobForDocument(ctx, documentID); err != nil {
		return err
	} else if active != nil {
		if err := s.store.CancelJob(ctx, active.ID, "document deleted"); err != nil {
			return err
		}
	}
	if err := s.store.SoftDeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.index.DeleteByDocument(ctx, s.activeAlias, documentID.String()); err != nil {
		// The document row is already gone from listings; index cleanup is
		// retried on the next reindex.
		s.log.Error("failed to delete vectors for document", "document_id", documentID, "err", err)
	}
	if err := s.cache.InvalidateProject(ctx, doc.ProjectID.String()); err != nil {
		s.log.Error("failed to invalidate answer cache", "project_id", doc.ProjectID, "err", err)
	}
	s.log.Info("document deleted", "document_id", documentID)
	return nil
}

func (s *Service) saveFile(docID uuid.UUID, filename string, content []byte) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.uploadDir, fmt.Sprintf("%s-%s", docID, filepath.Base(filename)))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
