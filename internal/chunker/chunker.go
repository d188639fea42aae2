package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Options controls how text is chunked.
type Options struct {
	// ChunkSize is the target maximum chunk length in characters.
	ChunkSize int
	// Overlap is the number of trailing characters of the previous chunk
	// prepended to the next one.
	Overlap int
	// StartIndex offsets chunk indices, used when a document is chunked
	// section by section.
	StartIndex int
	// SourcePage tags every produced chunk with its originating page, when known.
	SourcePage int
}

// Chunk is a contiguous span of normalized document text, the unit of
// embedding and retrieval. ID is derived from (document id, index, text), so
// re-chunking unchanged input always yields the same ids.
type Chunk struct {
	ID         string
	Index      int
	Text       string
	SourcePage int
}

// Separators tried in priority order before falling back to a hard character
// split.
var separators = []string{"\n\n", "\n", ". ", " "}

// ChunkText splits text into overlapping chunks of at most opts.ChunkSize
// characters. Splitting is deterministic: the same document id, text, and
// options reproduce the identical sequence bit for bit.
func ChunkText(documentID, text string, opts Options) []Chunk {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1200
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}

	segments := splitText(text, opts.ChunkSize)
	chunks := make([]Chunk, 0, len(segments))
	for i, seg := range segments {
		idx := opts.StartIndex + i
		if opts.Overlap > 0 && i > 0 {
			prev := []rune(segments[i-1])
			start := len(prev) - opts.Overlap
			if start < 0 {
				start = 0
			}
			seg = string(prev[start:]) + "\n" + seg
		}
		chunks = append(chunks, Chunk{
			ID:         ChunkID(documentID, idx, seg),
			Index:      idx,
			Text:       seg,
			SourcePage: opts.SourcePage,
		})
	}
	return chunks
}

// ChunkID hashes (document id, index, text) into a stable 20-hex-char id.
func ChunkID(documentID string, index int, text string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d:%s", documentID, index, text)))
	return hex.EncodeToString(sum[:])[:20]
}

// splitText breaks text into segments of at most maxChars runes, trying each
// separator in priority order and re-splitting any segment still too large
// with the next one. Whatever remains too long is hard-split on rune
// boundaries, never mid-sequence.
func splitText(text string, maxChars int) []string {
	segments := []string{text}
	for _, sep := range separators {
		var next []string
		for _, seg := range segments {
			if utf8.RuneCountInString(seg) <= maxChars {
				next = append(next, seg)
				continue
			}
			parts := strings.Split(seg, sep)
			if len(parts) == 1 {
				next = append(next, seg)
				continue
			}
			current := ""
			for _, part := range parts {
				candidate := part
				if current != "" {
					candidate = current + sep + part
				}
				candidate = strings.TrimSpace(candidate)
				if utf8.RuneCountInString(candidate) <= maxChars {
					current = candidate
					continue
				}
				if current != "" {
					next = append(next, current)
				}
				current = strings.TrimSpace(part)
			}
			if current != "" {
				next = append(next, current)
			}
		}
		segments = next
	}

	var final []string
	for _, seg := range segments {
		if utf8.RuneCountInString(seg) <= maxChars {
			final = append(final, seg)
			continue
		}
		runes := []rune(seg)
		for i := 0; i < len(runes); i += maxChars {
			end := i + maxChars
			if end > len(runes) {
				end = len(runes)
			}
			final = append(final, string(runes[i:end]))
		}
	}

	out := final[:0]
	for _, seg := range final {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
