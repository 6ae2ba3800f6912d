// Package chunker splits document text into overlapping passages suitable
// for embedding. Splitting is a pure function of the text and the configured
// geometry, so reruns produce byte-identical chunks and ids.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"corpora/internal/extract"
)

// Chunk is one contiguous passage of a document, tagged with the citation
// for its starting offset.
type Chunk struct {
	ID         string // stable: document id + zero-padded start offset
	DocumentID string
	Volume     string
	Page       int // page covering the chunk's first rune
	Start      int // rune offset, inclusive
	End        int // rune offset, exclusive
	Text       string
	Hash       string // sha256 of Text, hex encoded
}

// Split tiles the document with chunks of size runes overlapping by overlap
// runes. Consecutive chunks overlap by exactly overlap runes, except the
// final chunk, which is aligned to the end of the text and may overlap more
// so no sub-window fragment is emitted. A document shorter than size yields
// exactly one chunk. Overlap must be smaller than size (enforced by config).
func Split(doc extract.Document, size, overlap int) []Chunk {
	runes := []rune(doc.Text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	if total <= size {
		return []Chunk{makeChunk(doc, runes, 0, total)}
	}

	step := size - overlap
	var chunks []Chunk
	for start := 0; ; start += step {
		end := start + size
		if end >= total {
			chunks = append(chunks, makeChunk(doc, runes, total-size, total))
			break
		}
		chunks = append(chunks, makeChunk(doc, runes, start, end))
	}
	return chunks
}

// Count reports how many chunks Split produces for a text of the given rune
// length: ceil((length - overlap) / (size - overlap)), floored at one.
func Count(length, size, overlap int) int {
	if length == 0 {
		return 0
	}
	if length <= size {
		return 1
	}
	step := size - overlap
	return (length - overlap + step - 1) / step
}

func makeChunk(doc extract.Document, runes []rune, start, end int) Chunk {
	text := string(runes[start:end])
	sum := sha256.Sum256([]byte(text))
	return Chunk{
		ID:         fmt.Sprintf("%s:%08d", doc.ID, start),
		DocumentID: doc.ID,
		Volume:     doc.Volume,
		Page:       doc.PageAt(start),
		Start:      start,
		End:        end,
		Text:       text,
		Hash:       hex.EncodeToString(sum[:]),
	}
}
