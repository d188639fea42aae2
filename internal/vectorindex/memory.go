package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docqa/internal/embeddings"
)

// Memory is an in-memory Index with brute-force search, used in tests and
// local development.
type Memory struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
	aliases     map[string]string
}

type memoryCollection struct {
	dimensions int
	distance   string
	points     map[string]Point
}

func (c *memoryCollection) score(query embeddings.Vector, p Point) float32 {
	switch c.distance {
	case DistanceDot:
		return embeddings.DotProduct(query, p.Vector)
	case DistanceEuclid:
		// Negated so closer points rank higher.
		return -embeddings.EuclideanDistance(query, p.Vector)
	default:
		return embeddings.CosineSimilarity(query, p.Vector)
	}
}

func NewMemory() *Memory {
	return &Memory{
		collections: map[string]*memoryCollection{},
		aliases:     map[string]string{},
	}
}

func (m *Memory) resolveLocked(name string) (*memoryCollection, error) {
	if target, ok := m.aliases[name]; ok {
		name = target
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	return c, nil
}

func (m *Memory) EnsureCollection(_ context.Context, collection string, dimensions int, distance string) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid dimension %d", dimensions)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = &memoryCollection{
			dimensions: dimensions,
			distance:   distance,
			points:     map[string]Point{},
		}
	}
	return nil
}

func (m *Memory) CollectionExists(_ context.Context, collection string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collections[collection]
	return ok, nil
}

func (m *Memory) DropCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *Memory) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.resolveLocked(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != c.dimensions {
			return fmt.Errorf("vector has %d dimensions, collection expects %d", len(p.Vector), c.dimensions)
		}
		c.points[p.ID] = p
	}
	return nil
}

func (m *Memory) DeleteByDocument(_ context.Context, collection, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.resolveLocked(collection)
	if err != nil {
		return err
	}
	for id, p := range c.points {
		if p.Payload.DocumentID == documentID {
			delete(c.points, id)
		}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, collection string, vector embeddings.Vector, topK int, f Filter) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.resolveLocked(collection)
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	for _, p := range c.points {
		if f.ProjectID != "" && p.Payload.ProjectID != f.ProjectID {
			continue
		}
		if f.DocumentID != "" && p.Payload.DocumentID != f.DocumentID {
			continue
		}
		results = append(results, SearchResult{
			Score:   c.score(vector, p),
			Payload: p.Payload,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *Memory) CountPoints(_ context.Context, collection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.resolveLocked(collection)
	if err != nil {
		return 0, err
	}
	return len(c.points), nil
}

func (m *Memory) AliasTarget(_ context.Context, alias string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.aliases[alias]
	if !ok {
		return "", ErrAliasNotFound
	}
	return target, nil
}

func (m *Memory) SwitchAlias(_ context.Context, alias, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		return fmt.Errorf("collection %q does not exist", collection)
	}
	m.aliases[alias] = collection
	return nil
}
