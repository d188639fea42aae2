package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"docqa/internal/embeddings"
)

// Qdrant is a REST client to a Qdrant instance. It speaks the collections,
// points, and aliases endpoints.
type Qdrant struct {
	url    string
	apiKey string
	client *http.Client
}

// QdrantConfig configures the client.
type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Qdrant{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (q *Qdrant) EnsureCollection(ctx context.Context, collection string, dimensions int, distance string) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid dimension %d", dimensions)
	}
	exists, err := q.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimensions,
			"distance": qdrantDistance(distance),
		},
	}
	return q.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", collection), body, nil)
}

// qdrantDistance maps a profile metric onto Qdrant's distance names.
func qdrantDistance(distance string) string {
	switch distance {
	case DistanceDot:
		return "Dot"
	case DistanceEuclid:
		return "Euclid"
	default:
		return "Cosine"
	}
}

func (q *Qdrant) CollectionExists(ctx context.Context, collection string) (bool, error) {
	var resp struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s/exists", collection), nil, &resp); err != nil {
		return false, err
	}
	return resp.Result.Exists, nil
}

func (q *Qdrant) DropCollection(ctx context.Context, collection string) error {
	return q.do(ctx, http.MethodDelete, fmt.Sprintf("/collections/%s", collection), nil, nil)
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	items := make([]map[string]any, len(points))
	for i, p := range points {
		items[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	body := map[string]any{"points": items}
	return q.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body, nil)
}

func (q *Qdrant) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "document_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	return q.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", collection), body, nil)
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector embeddings.Vector, topK int, f Filter) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var must []map[string]any
	if f.ProjectID != "" {
		must = append(must, map[string]any{"key": "project_id", "match": map[string]any{"value": f.ProjectID}})
	}
	if f.DocumentID != "" {
		must = append(must, map[string]any{"key": "document_id", "match": map[string]any{"value": f.DocumentID}})
	}
	if len(must) > 0 {
		req["filter"] = map[string]any{"must": must}
	}

	var resp struct {
		Result []struct {
			Score   float32 `json:"score"`
			Payload Payload `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), req, &resp); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, SearchResult{Score: r.Score, Payload: r.Payload})
	}
	return results, nil
}

func (q *Qdrant) CountPoints(ctx context.Context, collection string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	body := map[string]any{"exact": true}
	if err := q.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", collection), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (q *Qdrant) AliasTarget(ctx context.Context, alias string) (string, error) {
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/aliases", nil, &resp); err != nil {
		return "", err
	}
	for _, a := range resp.Result.Aliases {
		if a.AliasName == alias {
			return a.CollectionName, nil
		}
	}
	return "", ErrAliasNotFound
}

// SwitchAlias deletes and recreates the alias in one actions batch, which
// Qdrant applies atomically.
func (q *Qdrant) SwitchAlias(ctx context.Context, alias, collection string) error {
	var actions []map[string]any
	if _, err := q.AliasTarget(ctx, alias); err == nil {
		actions = append(actions, map[string]any{
			"delete_alias": map[string]any{"alias_name": alias},
		})
	} else if !errors.Is(err, ErrAliasNotFound) {
		return err
	}
	actions = append(actions, map[string]any{
		"create_alias": map[string]any{
			"alias_name":      alias,
			"collection_name": collection,
		},
	})
	return q.do(ctx, http.MethodPost, "/collections/aliases", map[string]any{"actions": actions}, nil)
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s failed: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
