package retriever

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpora/internal/snapshot"
	"corpora/internal/store"
	"corpora/internal/vecindex"
)

const retDim = 4

type fixedEmbedder struct {
	vector []float32
	err    error
}

func (f *fixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

// publishSnapshot writes one complete snapshot whose entries point along
// the given directions, then opens it.
func publishSnapshot(t *testing.T, vectors map[string][]float32) *snapshot.Snapshot {
	t.Helper()
	dataDir := t.TempDir()

	entries := make([]vecindex.Entry, 0, len(vectors))
	records := make([]store.Record, 0, len(vectors))
	for id, v := range vectors {
		entries = append(entries, vecindex.Entry{ID: id, Vector: v})
		records = append(records, store.Record{
			ChunkID:  id,
			Document: "vol1",
			Volume:   "vol1.txt",
			Page:     1,
			Text:     fmt.Sprintf("passage %s", id),
			Hash:     "hash-" + id,
		})
	}
	idx, err := vecindex.Build(entries, retDim, 2, 1)
	require.NoError(t, err)

	staging, err := snapshot.Stage(dataDir, 1)
	require.NoError(t, err)
	require.NoError(t, idx.Save(filepath.Join(staging, snapshot.IndexFile)))

	st, err := store.Open(filepath.Join(staging, snapshot.MetadataFile))
	require.NoError(t, err)
	require.NoError(t, st.UpsertAll(records))
	require.NoError(t, st.Close())
	require.NoError(t, store.ManifestFromRecords(records).Save(filepath.Join(staging, snapshot.ManifestFile)))
	require.NoError(t, snapshot.Publish(dataDir, staging, 1))

	snap, err := snapshot.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { snap.Close() })
	return snap
}

func axisSnapshot(t *testing.T) *snapshot.Snapshot {
	return publishSnapshot(t, map[string][]float32{
		"vol1:00000000": {1, 0, 0, 0},
		"vol1:00000260": {0.9, 0.1, 0, 0},
		"vol1:00000520": {0, 1, 0, 0},
		"vol1:00000780": {0, 0, 1, 0},
	})
}

func TestRetrieveOrdering(t *testing.T) {
	snap := axisSnapshot(t)
	emb := &fixedEmbedder{vector: []float32{1, 0, 0, 0}}
	ret := New(snap, emb, 24)

	results, err := ret.Retrieve(context.Background(), "first axis", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "vol1:00000000", results[0].ChunkID)
	assert.Equal(t, "vol1:00000260", results[1].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	assert.Equal(t, "passage vol1:00000000", results[0].Text)
	assert.Equal(t, "vol1.txt", results[0].Volume)
	assert.Equal(t, 1, results[0].Page)
}

func TestRetrieveScoreRange(t *testing.T) {
	snap := axisSnapshot(t)
	// Opposite direction: the worst match still scores within [0, 1].
	emb := &fixedEmbedder{vector: []float32{-1, 0, 0, 0}}
	ret := New(snap, emb, 24)

	results, err := ret.Retrieve(context.Background(), "opposite", 4)
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestRetrieveInvalidTopK(t *testing.T) {
	snap := axisSnapshot(t)
	ret := New(snap, &fixedEmbedder{vector: []float32{1, 0, 0, 0}}, 24)

	var rerr *RetrievalError
	_, err := ret.Retrieve(context.Background(), "q", 0)
	require.ErrorAs(t, err, &rerr)

	_, err = ret.Retrieve(context.Background(), "q", 25)
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "exceeds maximum")
}

func TestRetrieveEmptyIndex(t *testing.T) {
	snap := publishSnapshot(t, nil)
	ret := New(snap, &fixedEmbedder{vector: []float32{1, 0, 0, 0}}, 24)

	_, err := ret.Retrieve(context.Background(), "anything", 3)
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, vecindex.ErrEmpty)
}

func TestRetrieveEmbedderFailure(t *testing.T) {
	snap := axisSnapshot(t)

	t.Run("transport error", func(t *testing.T) {
		ret := New(snap, &fixedEmbedder{err: assert.AnError}, 24)
		_, err := ret.Retrieve(context.Background(), "q", 2)
		var rerr *RetrievalError
		require.ErrorAs(t, err, &rerr)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("timeout", func(t *testing.T) {
		ret := New(snap, &fixedEmbedder{err: context.DeadlineExceeded}, 24)
		_, err := ret.Retrieve(context.Background(), "q", 2)
		var rerr *RetrievalError
		require.ErrorAs(t, err, &rerr)
		assert.Contains(t, rerr.Error(), "timed out")
	})
}

func TestRetrieveRepeatedQueriesAreStable(t *testing.T) {
	snap := axisSnapshot(t)
	ret := New(snap, &fixedEmbedder{vector: []float32{0.5, 0.5, 0, 0}}, 24)

	first, err := ret.Retrieve(context.Background(), "q", 4)
	require.NoError(t, err)
	second, err := ret.Retrieve(context.Background(), "q", 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
