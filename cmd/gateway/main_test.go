package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/internal/app"
	"docqa/internal/cache"
	"docqa/internal/config"
	"docqa/internal/dispatch"
	"docqa/internal/ingest"
	"docqa/internal/lock"
	"docqa/internal/queue"
	"docqa/internal/reindex"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUploadHandler(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	idx := vectorindex.NewMemory()
	require.NoError(t, idx.EnsureCollection(ctx, "chunks_v1", 4, vectorindex.DistanceCosine))
	require.NoError(t, idx.SwitchAlias(ctx, "chunks_active", "chunks_v1"))

	deps := app.Deps{
		Log:    testLog(),
		Store:  st,
		Config: config.Config{MaxUploadSize: 1 << 20},
		Ingest: ingest.NewService(testLog(), st, idx, cache.NewNoOpCache(), lock.NewNoOpLocker(), t.TempDir(), 1<<20, "chunks_active"),
	}
	handler := uploadHandler(deps)

	t.Run("accepted", func(t *testing.T) {
		req := multipartUpload(t, uuid.New().String(), "notes.txt", []byte("hello"))
		w := httptest.NewRecorder()
		handler(w, req)

		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var resp map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp["document_id"])
		assert.Equal(t, string(store.JobQueued), resp["job_status"])
	})

	t.Run("dispatch now", func(t *testing.T) {
		mq := &queue.MockQueue{}
		mq.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()
		d := deps
		d.Dispatcher = dispatch.New(testLog(), st, mq)

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		require.NoError(t, writer.WriteField("project_id", uuid.New().String()))
		require.NoError(t, writer.WriteField("dispatch_now", "true"))
		part, err := writer.CreateFormFile("file", "fast.txt")
		require.NoError(t, err)
		_, err = part.Write([]byte("dispatch me"))
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		w := httptest.NewRecorder()
		uploadHandler(d)(w, req)

		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var resp map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, string(store.JobDispatched), resp["job_status"])
		mq.AssertExpectations(t)
	})

	t.Run("missing project id", func(t *testing.T) {
		req := multipartUpload(t, "", "notes.txt", []byte("hello"))
		w := httptest.NewRecorder()
		handler(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		req := multipartUpload(t, uuid.New().String(), "image.png", []byte("binary"))
		w := httptest.NewRecorder()
		handler(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDispatchHandler(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	doc, err := st.CreateDocument(ctx, store.Document{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Filename:  "guide.md",
		Status:    store.DocUploaded,
	})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, store.ProcessingJob{
		DocumentID: doc.ID,
		ProjectID:  doc.ProjectID,
		JobType:    store.JobTypeIngest,
	})
	require.NoError(t, err)

	mq := &queue.MockQueue{}
	mq.On("Enqueue", mock.Anything, mock.MatchedBy(func(task queue.Task) bool {
		return task.Type == queue.TaskTypeIngest
	})).Return(nil).Once()

	deps := app.Deps{
		Log:        testLog(),
		Store:      st,
		Dispatcher: dispatch.New(testLog(), st, mq),
	}
	w := httptest.NewRecorder()
	dispatchHandler(deps)(w, httptest.NewRequest(http.MethodPost, "/api/queue/dispatch", nil))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res dispatch.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, "manual", res.Trigger)
	mq.AssertExpectations(t)
}

func TestAskHandlerRejectsInvalidBody(t *testing.T) {
	deps := app.Deps{Log: testLog()}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"question":""}`))
	askHandler(deps)(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailErrStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrJobAlreadyActive, http.StatusConflict},
		{store.ErrReindexRunActive, http.StatusConflict},
		{reindex.ErrApplyBlocked, http.StatusConflict},
		{reindex.ErrRunNotReady, http.StatusConflict},
		{ingest.ErrDocumentBusy, http.StatusConflict},
		{ingest.ErrUnsupportedType, http.StatusBadRequest},
		{fmt.Errorf("database exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		failErr(testLog(), w, "request failed", tt.err)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func multipartUpload(t *testing.T, projectID, filename string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if projectID != "" {
		require.NoError(t, writer.WriteField("project_id", projectID))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}
