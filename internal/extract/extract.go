// Package extract turns source files into documents with page boundary maps.
// PDF parsing itself is an external concern; this package defines the
// contract and ships a plain-text implementation for pre-extracted files.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// PageBoundary marks where a page begins inside a document's cleaned text.
type PageBoundary struct {
	Page  int // 1-based page number
	Start int // rune offset of the page's first rune
}

// Document is one source file's extracted text. Immutable once created; a
// changed file yields a new Document on the next scan rather than a mutation.
type Document struct {
	ID     string // file name without extension
	Volume string // file name, used verbatim in citations
	Text   string // cleaned full text, all pages concatenated
	Pages  []PageBoundary
	Hash   string // sha256 of Text, hex encoded
}

// PageAt returns the page number covering the given rune offset.
func (d Document) PageAt(offset int) int {
	if len(d.Pages) == 0 {
		return 1
	}
	i := sort.Search(len(d.Pages), func(i int) bool {
		return d.Pages[i].Start > offset
	})
	if i == 0 {
		return d.Pages[0].Page
	}
	return d.Pages[i-1].Page
}

// Extractor produces documents from a corpus directory. Implementations must
// be deterministic: identical files yield identical documents in identical
// order.
type Extractor interface {
	Extract(dir string) ([]Document, error)
}

// maxFileSize is the largest file we'll consider (16 MB).
const maxFileSize = 16 << 20

// TextExtractor reads pre-extracted .txt files where pages are separated by
// form feeds, the convention used by pdftotext.
type TextExtractor struct{}

// NewTextExtractor returns an Extractor over plain-text corpus files.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Extract scans dir for .txt files in sorted order and builds one Document
// per file.
func (t *TextExtractor) Extract(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no .txt files found in %s", dir)
	}

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 || info.Size() > maxFileSize {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		doc := buildDocument(name, string(raw))
		if doc.Text == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

var spaceRun = regexp.MustCompile(`\s+`)

// CleanText normalizes extracted page text: hyphenation artifacts removed,
// line breaks flattened, whitespace collapsed.
func CleanText(raw string) string {
	text := strings.ReplaceAll(raw, ".-", "-")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// buildDocument splits raw content on form feeds, cleans each page, and
// records the rune offset at which each non-empty page starts.
func buildDocument(name, raw string) Document {
	pages := strings.Split(raw, "\f")

	var b strings.Builder
	var bounds []PageBoundary
	offset := 0
	for i, page := range pages {
		cleaned := CleanText(page)
		if cleaned == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
			offset++
		}
		bounds = append(bounds, PageBoundary{Page: i + 1, Start: offset})
		b.WriteString(cleaned)
		offset += len([]rune(cleaned))
	}

	text := b.String()
	sum := sha256.Sum256([]byte(text))
	return Document{
		ID:     strings.TrimSuffix(name, filepath.Ext(name)),
		Volume: name,
		Text:   text,
		Pages:  bounds,
		Hash:   hex.EncodeToString(sum[:]),
	}
}
