package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "self-respect", CleanText("self.-respect"))
	assert.Equal(t, "one two three", CleanText("one\r\ntwo \n\n three "))
	assert.Equal(t, "", CleanText("  \n \r "))
}

func TestExtractPages(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"volume_one.txt": "first page text\fsecond page text\fthird page text",
	})

	docs, err := NewTextExtractor().Extract(dir)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "volume_one", doc.ID)
	assert.Equal(t, "volume_one.txt", doc.Volume)
	assert.Equal(t, "first page text second page text third page text", doc.Text)
	require.Len(t, doc.Pages, 3)
	assert.Equal(t, 1, doc.Pages[0].Page)
	assert.Equal(t, 0, doc.Pages[0].Start)
	assert.NotEmpty(t, doc.Hash)

	t.Run("PageAt resolves offsets to pages", func(t *testing.T) {
		assert.Equal(t, 1, doc.PageAt(0))
		assert.Equal(t, 1, doc.PageAt(14))
		assert.Equal(t, 2, doc.PageAt(doc.Pages[1].Start))
		assert.Equal(t, 3, doc.PageAt(len([]rune(doc.Text))-1))
	})
}

func TestExtractSkipsEmptyPages(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"v.txt": "page one\f\f \fpage four",
	})

	docs, err := NewTextExtractor().Extract(dir)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// Blank pages contribute no boundary; the page numbers still reflect
	// their position in the source file.
	require.Len(t, docs[0].Pages, 2)
	assert.Equal(t, 1, docs[0].Pages[0].Page)
	assert.Equal(t, 4, docs[0].Pages[1].Page)
}

func TestExtractDeterministicOrder(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"b_volume.txt": "bravo",
		"a_volume.txt": "alpha",
		"notes.md":     "ignored",
	})

	docs, err := NewTextExtractor().Extract(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a_volume", docs[0].ID)
	assert.Equal(t, "b_volume", docs[1].ID)

	again, err := NewTextExtractor().Extract(dir)
	require.NoError(t, err)
	assert.Equal(t, docs, again)
}

func TestExtractNoFiles(t *testing.T) {
	_, err := NewTextExtractor().Extract(t.TempDir())
	assert.Error(t, err)
}

func TestExtractHashChangesWithContent(t *testing.T) {
	dir := writeCorpus(t, map[string]string{"v.txt": "original text"})
	ex := NewTextExtractor()

	before, err := ex.Extract(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v.txt"), []byte("revised text"), 0o644))
	after, err := ex.Extract(dir)
	require.NoError(t, err)

	assert.NotEqual(t, before[0].Hash, after[0].Hash)
}
