package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpora/internal/extract"
)

func testDoc(text string) extract.Document {
	return extract.Document{
		ID:     "vol1",
		Volume: "vol1.txt",
		Text:   text,
		Pages:  []extract.PageBoundary{{Page: 1, Start: 0}},
	}
}

func TestSplitTiling(t *testing.T) {
	text := strings.Repeat("the annihilation of caste rests on reason ", 40) // 1680 runes
	doc := testDoc(text)
	size, overlap := 320, 60

	chunks := Split(doc, size, overlap)
	require.NotEmpty(t, chunks)
	runes := []rune(text)

	t.Run("covers the document with no gaps", func(t *testing.T) {
		assert.Equal(t, 0, chunks[0].Start)
		assert.Equal(t, len(runes), chunks[len(chunks)-1].End)
		for i := 1; i < len(chunks); i++ {
			assert.LessOrEqual(t, chunks[i].Start, chunks[i-1].End, "gap before chunk %d", i)
		}
	})

	t.Run("consecutive chunks overlap by exactly the configured overlap", func(t *testing.T) {
		for i := 1; i < len(chunks)-1; i++ {
			assert.Equal(t, overlap, chunks[i-1].End-chunks[i].Start, "overlap before chunk %d", i)
		}
		// The final chunk is end-aligned and may overlap more.
		last := chunks[len(chunks)-1]
		assert.GreaterOrEqual(t, chunks[len(chunks)-2].End-last.Start, overlap)
	})

	t.Run("chunk count matches the closed form", func(t *testing.T) {
		want := Count(len(runes), size, overlap)
		assert.Len(t, chunks, want)
		step := size - overlap
		assert.Equal(t, (len(runes)-overlap+step-1)/step, want)
	})

	t.Run("text matches spans", func(t *testing.T) {
		for _, c := range chunks {
			assert.Equal(t, string(runes[c.Start:c.End]), c.Text)
		}
	})
}

func TestSplitShortDocument(t *testing.T) {
	doc := testDoc("a short pamphlet")
	chunks := Split(doc, 320, 60)
	require.Len(t, chunks, 1)
	assert.Equal(t, doc.Text, chunks[0].Text)
	assert.Equal(t, "vol1:00000000", chunks[0].ID)
	assert.Equal(t, 1, chunks[0].Page)
}

func TestSplitEmptyDocument(t *testing.T) {
	assert.Nil(t, Split(testDoc(""), 320, 60))
}

func TestSplitDeterministic(t *testing.T) {
	doc := testDoc(strings.Repeat("what path to salvation ", 100))
	first := Split(doc, 128, 32)
	second := Split(doc, 128, 32)
	require.Equal(t, first, second)

	// Ids derive from document id and offset only.
	for _, c := range first {
		assert.Contains(t, c.ID, "vol1:")
		assert.NotEmpty(t, c.Hash)
	}
}

func TestSplitPageAttribution(t *testing.T) {
	// Two pages; the boundary falls inside the second chunk's span, so the
	// citation uses the page covering the chunk's start.
	text := strings.Repeat("x", 500)
	doc := extract.Document{
		ID:     "vol2",
		Volume: "vol2.txt",
		Text:   text,
		Pages: []extract.PageBoundary{
			{Page: 1, Start: 0},
			{Page: 2, Start: 300},
		},
	}

	chunks := Split(doc, 200, 50)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		if c.Start < 300 {
			assert.Equal(t, 1, c.Page, "chunk at %d", c.Start)
		} else {
			assert.Equal(t, 2, c.Page, "chunk at %d", c.Start)
		}
	}
}

func TestCount(t *testing.T) {
	assert.Equal(t, 0, Count(0, 320, 60))
	assert.Equal(t, 1, Count(100, 320, 60))
	assert.Equal(t, 1, Count(320, 320, 60))
	assert.Equal(t, 2, Count(321, 320, 60))
	// ceil((1000-60)/260) = 4
	assert.Equal(t, 4, Count(1000, 320, 60))
}
