package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"docqa/internal/embeddings"
)

// Payload is the metadata stored alongside each vector.
type Payload struct {
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Page       int    `json:"page,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

// Point is one vector plus payload, keyed by a deterministic id.
type Point struct {
	ID      string
	Vector  embeddings.Vector
	Payload Payload
}

// SearchResult is one scored hit.
type SearchResult struct {
	Score   float32
	Payload Payload
}

// Filter narrows a search to a project and optionally a single document.
type Filter struct {
	ProjectID  string
	DocumentID string
}

// ErrAliasNotFound is returned when an alias does not resolve to a collection.
var ErrAliasNotFound = errors.New("alias not found")

// Distance metrics accepted by EnsureCollection. Empty means cosine.
const (
	DistanceCosine = "cosine"
	DistanceDot    = "dot"
	DistanceEuclid = "euclid"
)

// Index is the vector store contract. Qdrant in production, memory in tests.
type Index interface {
	// EnsureCollection creates the collection if it does not exist yet,
	// configured for the profile's distance metric. Idempotent; an existing
	// collection keeps the metric it was created with.
	EnsureCollection(ctx context.Context, collection string, dimensions int, distance string) error
	CollectionExists(ctx context.Context, collection string) (bool, error)
	DropCollection(ctx context.Context, collection string) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// DeleteByDocument removes every point for the document from collection.
	DeleteByDocument(ctx context.Context, collection, documentID string) error
	Search(ctx context.Context, collection string, vector embeddings.Vector, topK int, f Filter) ([]SearchResult, error)
	CountPoints(ctx context.Context, collection string) (int, error)
	// AliasTarget resolves an alias to its current collection, or
	// ErrAliasNotFound.
	AliasTarget(ctx context.Context, alias string) (string, error)
	// SwitchAlias atomically repoints alias to collection, dropping any
	// previous binding in the same operation.
	SwitchAlias(ctx context.Context, alias, collection string) error
}

// PointID derives the stable vector id for a chunk. The same document and
// chunk always map to the same point, so re-upserts overwrite in place.
func PointID(documentID, chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%s", documentID, chunkID))).String()
}
