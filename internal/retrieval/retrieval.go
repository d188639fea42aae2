package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docqa/internal/cache"
	"docqa/internal/embeddings"
	"docqa/internal/llm"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// RefusalText is the fixed answer when retrieval finds nothing relevant.
// Returning it is a success, not an error.
const RefusalText = "I don't know based on the indexed documents."

const snippetLimit = 280

// ProfileSource resolves the embedding profile questions are embedded with.
// Satisfied by store.Store.
type ProfileSource interface {
	ActiveProfile(ctx context.Context) (store.EmbeddingProfile, error)
}

// EmbedderFactory builds an embedder for a profile's provider and model.
type EmbedderFactory func(profile store.EmbeddingProfile) (embeddings.Embedder, error)

// Service answers questions over the indexed corpus. Retrieval always goes
// through the live alias and embeds each question with whatever profile is
// active at ask time, so an applied reindex takes effect immediately without
// a restart.
type Service struct {
	log         *slog.Logger
	index       vectorindex.Index
	profiles    ProfileSource
	newEmbedder EmbedderFactory
	llm         llm.Client
	cache       cache.Cache
	alias       string
	model       string
	topK        int
	minScore    float32
	cacheTTL    time.Duration
}

type Config struct {
	Alias    string
	Model    string
	TopK     int
	MinScore float32
	CacheTTL time.Duration
}

func NewService(log *slog.Logger, idx vectorindex.Index, profiles ProfileSource, factory EmbedderFactory, client llm.Client, c cache.Cache, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 6
	}
	return &Service{
		log:         log,
		index:       idx,
		profiles:    profiles,
		newEmbedder: factory,
		llm:         client,
		cache:       c,
		alias:       cfg.Alias,
		model:       cfg.Model,
		topK:        cfg.TopK,
		minScore:    cfg.MinScore,
		cacheTTL:    cfg.CacheTTL,
	}
}

// Question is one ask request.
type Question struct {
	ProjectID uuid.UUID
	Text      string
	// DocumentID optionally narrows retrieval to a single document.
	DocumentID *uuid.UUID
}

// Answer is the ask response.
type Answer struct {
	cache.AnswerResult
	LatencyMS int64 `json:"latency_ms"`
	Cached    bool  `json:"cached"`
}

// Ask embeds the question, retrieves the best chunks through the live alias,
// and generates a grounded answer with citations. Questions the corpus cannot
// answer get the fixed refusal text.
func (s *Service) Ask(ctx context.Context, q Question) (Answer, error) {
	start := time.Now()
	question := strings.TrimSpace(q.Text)
	if question == "" {
		return Answer{}, fmt.Errorf("question is empty")
	}

	key := cache.AnswerKey(q.ProjectID.String(), question, s.model, s.topK)
	if q.DocumentID == nil {
		if hit, err := s.cache.GetAnswer(ctx, key); err != nil {
			s.log.Error("answer cache lookup failed", "err", err)
		} else if hit != nil {
			return Answer{AnswerResult: *hit, LatencyMS: time.Since(start).Milliseconds(), Cached: true}, nil
		}
	}

	profile, err := s.profiles.ActiveProfile(ctx)
	if err != nil {
		return Answer{}, fmt.Errorf("resolve active embedding profile: %w", err)
	}
	embedder, err := s.newEmbedder(profile)
	if err != nil {
		return Answer{}, fmt.Errorf("build embedder: %w", err)
	}
	vectors, err := embedder.EmbedBatch(ctx, []string{question}, embeddings.ModeQuery)
	if err != nil {
		return Answer{}, fmt.Errorf("embed question: %w", err)
	}

	filter := vectorindex.Filter{ProjectID: q.ProjectID.String()}
	if q.DocumentID != nil {
		filter.DocumentID = q.DocumentID.String()
	}
	hits, err := s.index.Search(ctx, s.alias, vectors[0], s.topK, filter)
	if err != nil {
		return Answer{}, fmt.Errorf("search: %w", err)
	}

	relevant := hits[:0]
	for _, h := range hits {
		if h.Score >= s.minScore {
			relevant = append(relevant, h)
		}
	}

	result := cache.AnswerResult{ResolvedModelID: s.model}
	if len(relevant) == 0 {
		result.Answer = RefusalText
		result.Refused = true
	} else {
		answer, err := s.llm.Answer(ctx, question, buildContext(relevant))
		if err != nil {
			return Answer{}, fmt.Errorf("generate answer: %w", err)
		}
		result.Answer = answer
		result.Refused = strings.TrimSpace(answer) == RefusalText
		if !result.Refused {
			result.Citations = buildCitations(relevant)
		}
	}

	if q.DocumentID == nil {
		if err := s.cache.SetAnswer(ctx, key, &result, s.cacheTTL); err != nil {
			s.log.Error("answer cache store failed", "err", err)
		}
	}
	return Answer{AnswerResult: result, LatencyMS: time.Since(start).Milliseconds()}, nil
}

// buildContext renders retrieved chunks as numbered passages for the prompt.
func buildContext(hits []vectorindex.SearchResult) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, h.Payload.Filename)
		if h.Payload.Page > 0 {
			fmt.Fprintf(&b, " (page %d)", h.Payload.Page)
		}
		b.WriteString(":\n")
		b.WriteString(h.Payload.Text)
	}
	return b.String()
}

func buildCitations(hits []vectorindex.SearchResult) []cache.Citation {
	citations := make([]cache.Citation, len(hits))
	for i, h := range hits {
		snippet := h.Payload.Text
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		citations[i] = cache.Citation{
			DocumentID: h.Payload.DocumentID,
			Filename:   h.Payload.Filename,
			ChunkID:    h.Payload.ChunkID,
			Snippet:    snippet,
			Score:      h.Score,
			Page:       h.Payload.Page,
		}
	}
	return citations
}
