package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupported(t *testing.T) {
	assert.True(t, Supported("report.pdf"))
	assert.True(t, Supported("notes.TXT"))
	assert.True(t, Supported("readme.md"))
	assert.False(t, Supported("image.png"))
	assert.False(t, Supported("archive"))
}

func TestParsePlainText(t *testing.T) {
	res, err := Parse("notes.txt", []byte("  hello world\nsecond line  "), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PageCount)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, 1, res.Pages[0].Number)
	assert.Equal(t, "hello world\nsecond line", res.Pages[0].Text)
	assert.Empty(t, res.EmptyPages)
}

func TestParseMarkdown(t *testing.T) {
	res, err := Parse("guide.md", []byte("# Title\n\nBody."), 0)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nBody.", res.Text())
}

func TestParseUnsupportedExtension(t *testing.T) {
	_, err := Parse("image.png", []byte{0x89, 0x50}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestParseInvalidPDF(t *testing.T) {
	_, err := Parse("broken.pdf", []byte("not a pdf at all"), 0)
	require.Error(t, err)
}

func TestResultTextJoinsPages(t *testing.T) {
	r := Result{Pages: []Page{
		{Number: 1, Text: "first"},
		{Number: 2, Text: ""},
		{Number: 3, Text: "third"},
	}}
	assert.Equal(t, "first\nthird", r.Text())
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("same content"))
	b := ContentHash([]byte("same content"))
	c := ContentHash([]byte("different content"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Equal(t, strings.ToLower(a), a)
}
