package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/embeddings"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

func qdrantServer(t *testing.T, responses map[string]any) (*Qdrant, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if r.Body != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				rec.Body = body
			}
		}
		requests = append(requests, rec)
		if resp, ok := responses[r.Method+" "+r.URL.Path]; ok {
			json.NewEncoder(w).Encode(resp)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	t.Cleanup(srv.Close)
	return NewQdrant(QdrantConfig{URL: srv.URL}), &requests
}

func TestQdrantEnsureCollection(t *testing.T) {
	q, requests := qdrantServer(t, map[string]any{
		"GET /collections/chunks_v1/exists": map[string]any{
			"result": map[string]any{"exists": false},
		},
	})

	require.NoError(t, q.EnsureCollection(context.Background(), "chunks_v1", 1536, DistanceCosine))

	require.Len(t, *requests, 2)
	create := (*requests)[1]
	assert.Equal(t, http.MethodPut, create.Method)
	assert.Equal(t, "/collections/chunks_v1", create.Path)
	vectors := create.Body["vectors"].(map[string]any)
	assert.Equal(t, float64(1536), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
}

func TestQdrantEnsureCollectionDistanceMetric(t *testing.T) {
	for metric, want := range map[string]string{
		DistanceDot:    "Dot",
		DistanceEuclid: "Euclid",
		"":             "Cosine",
	} {
		q, requests := qdrantServer(t, map[string]any{
			"GET /collections/chunks_v1/exists": map[string]any{
				"result": map[string]any{"exists": false},
			},
		})

		require.NoError(t, q.EnsureCollection(context.Background(), "chunks_v1", 8, metric))
		require.Len(t, *requests, 2)
		vectors := (*requests)[1].Body["vectors"].(map[string]any)
		assert.Equal(t, want, vectors["distance"], "metric %q", metric)
	}
}

func TestQdrantEnsureCollectionSkipsExisting(t *testing.T) {
	q, requests := qdrantServer(t, map[string]any{
		"GET /collections/chunks_v1/exists": map[string]any{
			"result": map[string]any{"exists": true},
		},
	})

	require.NoError(t, q.EnsureCollection(context.Background(), "chunks_v1", 1536, DistanceCosine))
	assert.Len(t, *requests, 1)
}

func TestQdrantUpsertWaitsForCommit(t *testing.T) {
	q, requests := qdrantServer(t, nil)

	points := []Point{{
		ID:     PointID("doc-1", "chunk-1"),
		Vector: embeddings.Vector{0.1, 0.2},
		Payload: Payload{
			ProjectID:  "proj-1",
			DocumentID: "doc-1",
			ChunkID:    "chunk-1",
			Text:       "hello",
		},
	}}
	require.NoError(t, q.Upsert(context.Background(), "chunks_v1", points))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "/collections/chunks_v1/points", req.Path)
	assert.Equal(t, "wait=true", req.Query)
	items := req.Body["points"].([]any)
	require.Len(t, items, 1)
	payload := items[0].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "doc-1", payload["document_id"])
}

func TestQdrantSearchAppliesFilter(t *testing.T) {
	q, requests := qdrantServer(t, map[string]any{
		"POST /collections/chunks_v1/points/search": map[string]any{
			"result": []map[string]any{
				{"score": 0.91, "payload": map[string]any{"document_id": "doc-1", "chunk_id": "c1", "text": "match"}},
			},
		},
	})

	results, err := q.Search(context.Background(), "chunks_v1", embeddings.Vector{0.1}, 5, Filter{ProjectID: "proj-1", DocumentID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.91, results[0].Score, 0.001)
	assert.Equal(t, "doc-1", results[0].Payload.DocumentID)

	req := (*requests)[0]
	filter := req.Body["filter"].(map[string]any)
	must := filter["must"].([]any)
	assert.Len(t, must, 2)
}

func TestQdrantSwitchAliasBatchesActions(t *testing.T) {
	q, requests := qdrantServer(t, map[string]any{
		"GET /aliases": map[string]any{
			"result": map[string]any{
				"aliases": []map[string]any{
					{"alias_name": "chunks_active", "collection_name": "chunks_v1"},
				},
			},
		},
	})

	require.NoError(t, q.SwitchAlias(context.Background(), "chunks_active", "chunks_v2"))

	require.Len(t, *requests, 2)
	switchReq := (*requests)[1]
	assert.Equal(t, "/collections/aliases", switchReq.Path)
	actions := switchReq.Body["actions"].([]any)
	require.Len(t, actions, 2)
	_, hasDelete := actions[0].(map[string]any)["delete_alias"]
	assert.True(t, hasDelete)
	create := actions[1].(map[string]any)["create_alias"].(map[string]any)
	assert.Equal(t, "chunks_v2", create["collection_name"])
}

func TestQdrantSwitchAliasFreshAlias(t *testing.T) {
	q, requests := qdrantServer(t, map[string]any{
		"GET /aliases": map[string]any{
			"result": map[string]any{"aliases": []map[string]any{}},
		},
	})

	require.NoError(t, q.SwitchAlias(context.Background(), "chunks_active", "chunks_v1"))

	switchReq := (*requests)[1]
	actions := switchReq.Body["actions"].([]any)
	require.Len(t, actions, 1)
	_, hasCreate := actions[0].(map[string]any)["create_alias"]
	assert.True(t, hasCreate)
}

func TestQdrantAliasTargetNotFound(t *testing.T) {
	q, _ := qdrantServer(t, map[string]any{
		"GET /aliases": map[string]any{
			"result": map[string]any{"aliases": []map[string]any{}},
		},
	})

	_, err := q.AliasTarget(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("doc-1", "chunk-1")
	b := PointID("doc-1", "chunk-1")
	c := PointID("doc-1", "chunk-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}
