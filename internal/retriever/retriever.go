// Package retriever answers queries against one loaded snapshot: embed the
// query, search the index, join with metadata, return cited passages. It is
// read-only and safe for concurrent use.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"corpora/internal/snapshot"
	"corpora/internal/vecindex"
)

// RetrievalError reports a failed retrieval: invalid top-k, empty index,
// query embedding failure, or timeout.
type RetrievalError struct {
	Msg string
	Err error
}

func (e *RetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retrieve: %s: %v", e.Msg, e.Err)
	}
	return "retrieve: " + e.Msg
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// QueryEmbedder is the single capability needed at query time.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Result is one retrieved passage with its citation and similarity score.
type Result struct {
	ChunkID  string
	Text     string
	Document string
	Volume   string
	Page     int
	Score    float64
}

// Retriever binds to one immutable snapshot at construction. A concurrent
// ingestion publishing a new version does not affect it.
type Retriever struct {
	snap     *snapshot.Snapshot
	embedder QueryEmbedder
	maxTopK  int
}

// New creates a Retriever over the given snapshot.
func New(snap *snapshot.Snapshot, emb QueryEmbedder, maxTopK int) *Retriever {
	return &Retriever{snap: snap, embedder: emb, maxTopK: maxTopK}
}

// Retrieve returns the topK most similar passages, ordered by descending
// similarity with ties broken by ascending chunk id. Persisted state is
// never touched.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, &RetrievalError{Msg: fmt.Sprintf("top_k must be positive, got %d", topK)}
	}
	if topK > r.maxTopK {
		return nil, &RetrievalError{Msg: fmt.Sprintf("top_k %d exceeds maximum %d", topK, r.maxTopK)}
	}
	if r.snap.Index.Len() == 0 {
		return nil, &RetrievalError{Msg: "index has no entries", Err: vecindex.ErrEmpty}
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &RetrievalError{Msg: "query embedding timed out", Err: err}
		}
		return nil, &RetrievalError{Msg: "embed query", Err: err}
	}

	matches, err := r.snap.Index.Query(vector, topK)
	if err != nil {
		return nil, &RetrievalError{Msg: "index query", Err: err}
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	records, err := r.snap.Store.GetMany(ids)
	if err != nil {
		return nil, &RetrievalError{Msg: "metadata lookup", Err: err}
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			ChunkID:  m.ID,
			Text:     records[i].Text,
			Document: records[i].Document,
			Volume:   records[i].Volume,
			Page:     records[i].Page,
			Score:    scoreFromDistance(m.Distance),
		}
	}
	return results, nil
}

// scoreFromDistance converts angular distance (0..2) to an affinity score
// in [0, 1] for presentation.
func scoreFromDistance(d float32) float64 {
	score := 1 - float64(d)/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
