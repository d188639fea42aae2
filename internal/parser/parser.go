package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is one unit of extracted text. Plain-text formats always produce a
// single page with Number 1.
type Page struct {
	Number int
	Text   string
}

// Result is the parsed form of an uploaded file.
type Result struct {
	Pages      []Page
	PageCount  int
	EmptyPages []int
}

// Text joins all non-empty pages into one string.
func (r Result) Text() string {
	var b strings.Builder
	for _, p := range r.Pages {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// SupportedExtensions are the upload formats the pipeline accepts.
var SupportedExtensions = map[string]bool{
	".pdf": true,
	".txt": true,
	".md":  true,
}

// Supported reports whether the filename has an accepted extension.
func Supported(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Parse extracts text from content based on the filename extension. PDF pages
// that yield no text are recorded in EmptyPages rather than failing the whole
// document.
func Parse(filename string, content []byte, maxPages int) (Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return parsePDF(content, maxPages)
	case ".txt", ".md":
		text := strings.TrimSpace(string(content))
		return Result{
			Pages:     []Page{{Number: 1, Text: text}},
			PageCount: 1,
		}, nil
	default:
		return Result{}, fmt.Errorf("unsupported file type %q", ext)
	}
}

func parsePDF(content []byte, maxPages int) (Result, error) {
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	if maxPages > 0 && numPages > maxPages {
		return Result{}, fmt.Errorf("pdf has %d pages, limit is %d", numPages, maxPages)
	}

	res := Result{PageCount: numPages}
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := pdfReader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			res.EmptyPages = append(res.EmptyPages, pageNum)
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Pages that fail to extract are tracked, not fatal.
			res.EmptyPages = append(res.EmptyPages, pageNum)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			res.EmptyPages = append(res.EmptyPages, pageNum)
			continue
		}
		res.Pages = append(res.Pages, Page{Number: pageNum, Text: text})
	}

	return res, nil
}

// ContentHash is the sha256 hex digest of the raw file bytes, used for drift
// detection between a reindex snapshot and the live document.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
