package ingest

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpora/internal/config"
	"corpora/internal/extract"
	"corpora/internal/retriever"
	"corpora/internal/snapshot"
	"corpora/internal/store"
)

const fakeDim = 8

// fakeEmbedder derives vectors from content hashes, so the same text always
// embeds identically. It counts texts to verify what a run actually embeds.
type fakeEmbedder struct {
	model    string
	embedded []string
	fail     bool
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{model: "fake-embed-v1"}
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, assert.AnError
	}
	f.embedded = append(f.embedded, texts...)
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		v := make([]float32, fakeDim)
		for j := range v {
			v[j] = float32(sum[j]) + 1
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (f *fakeEmbedder) Model() string  { return f.model }
func (f *fakeEmbedder) Dimension() int { return fakeDim }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Config{
		EmbedModel:   "fake-embed-v1",
		EmbedDim:     fakeDim,
		ChunkSize:    320,
		ChunkOverlap: 60,
		BatchSize:    32,
		EmbedWorkers: 1,
		IndexTrees:   4,
		TopK:         6,
		MaxTopK:      24,
		DataDir:      filepath.Join(base, "data"),
		CorpusDir:    filepath.Join(base, "corpus"),
	}
	require.NoError(t, os.MkdirAll(cfg.CorpusDir, 0o755))
	return cfg
}

func writeVolume(t *testing.T, cfg config.Config, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CorpusDir, name), []byte(text), 0o644))
}

func volumeText(seed string, pages int) string {
	page := strings.Repeat(seed+" ", 60)
	parts := make([]string, pages)
	for i := range parts {
		parts[i] = page
	}
	return strings.Join(parts, "\f")
}

func newTestManager(cfg config.Config, emb Embedder) *Manager {
	return NewManager(cfg, extract.NewTextExtractor(), emb, nil)
}

func TestRunInitialIngest(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 3))
	emb := newFakeEmbedder()

	stats, err := newTestManager(cfg, emb).Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Documents)
	assert.True(t, stats.Rebuilt)
	assert.Equal(t, uint64(1), stats.Version)
	assert.Equal(t, stats.ChunksTotal, stats.ChunksEmbedded)
	assert.Zero(t, stats.ChunksReused)
	assert.Len(t, emb.embedded, stats.ChunksTotal)

	snap, err := snapshot.Open(cfg.DataDir)
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, stats.ChunksTotal, snap.Index.Len())
	count, err := snap.Store.Count()
	require.NoError(t, err)
	assert.Equal(t, stats.ChunksTotal, count)

	model, err := snap.Store.GetMeta(store.MetaEmbedModel)
	require.NoError(t, err)
	assert.Equal(t, "fake-embed-v1", model)
}

func TestRunUnchangedCorpusSkipsRebuild(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("what path to salvation", 2))
	emb := newFakeEmbedder()
	mgr := newTestManager(cfg, emb)

	first, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)
	require.True(t, first.Rebuilt)
	emb.embedded = nil

	second, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, second.Rebuilt)
	assert.Equal(t, first.Version, second.Version)
	assert.Zero(t, second.ChunksEmbedded)
	assert.Equal(t, first.ChunksTotal, second.ChunksReused)
	assert.Empty(t, emb.embedded, "no embedding calls for an unchanged corpus")

	version, err := snapshot.CurrentVersion(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, first.Version, version)
}

func TestRunIncrementalAddsOnlyNewChunks(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 2))
	emb := newFakeEmbedder()
	mgr := newTestManager(cfg, emb)

	first, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)

	before, err := snapshot.Open(cfg.DataDir)
	require.NoError(t, err)
	oldID := before.Index.IDs()[0]
	oldVec, ok := before.Index.Vector(oldID)
	require.True(t, ok)
	require.NoError(t, before.Close())

	writeVolume(t, cfg, "volume_two.txt", volumeText("buddha and his dhamma", 2))
	emb.embedded = nil

	second, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, second.Rebuilt)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, first.ChunksTotal, second.ChunksReused)
	assert.Equal(t, second.ChunksTotal-first.ChunksTotal, second.ChunksEmbedded)
	assert.Len(t, emb.embedded, second.ChunksEmbedded)
	for _, text := range emb.embedded {
		assert.Contains(t, text, "buddha")
	}

	after, err := snapshot.Open(cfg.DataDir)
	require.NoError(t, err)
	defer after.Close()
	newVec, ok := after.Index.Vector(oldID)
	require.True(t, ok)
	require.Len(t, newVec, len(oldVec))
	for i := range oldVec {
		assert.InDelta(t, oldVec[i], newVec[i], 1e-6, "unchanged chunk keeps its vector")
	}
}

func TestRunEmbedFailureLeavesSnapshotIntact(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 2))
	emb := newFakeEmbedder()
	mgr := newTestManager(cfg, emb)

	first, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)

	indexPath := filepath.Join(cfg.DataDir, snapshot.VersionName(first.Version), snapshot.IndexFile)
	wantIndex, err := os.ReadFile(indexPath)
	require.NoError(t, err)

	writeVolume(t, cfg, "volume_two.txt", volumeText("states and minorities", 2))
	emb.fail = true

	_, err = mgr.Run(context.Background(), false)
	var ierr *IngestionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "embed", ierr.Op)

	version, err := snapshot.CurrentVersion(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, first.Version, version)

	gotIndex, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, wantIndex, gotIndex, "published index untouched by the failed run")

	// The lock is released, so a later run succeeds.
	emb.fail = false
	stats, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, stats.Version)
}

func TestRunFullReembedsEverything(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 2))
	emb := newFakeEmbedder()
	mgr := newTestManager(cfg, emb)

	first, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)
	emb.embedded = nil

	stats, err := mgr.Run(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, stats.Rebuilt)
	assert.Equal(t, first.Version+1, stats.Version, "full mode discards content, not the counter")
	assert.Equal(t, first.ChunksTotal, stats.ChunksEmbedded)
	assert.Zero(t, stats.ChunksReused)
	assert.Len(t, emb.embedded, first.ChunksTotal)
}

func TestRunFullModeKeepsVersionMonotonic(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 2))
	emb := newFakeEmbedder()
	mgr := newTestManager(cfg, emb)

	_, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)
	writeVolume(t, cfg, "volume_two.txt", volumeText("buddha and his dhamma", 2))
	second, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Version)

	stats, err := mgr.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Version)

	version, err := snapshot.CurrentVersion(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)

	// The previous version survives for in-flight readers; older ones are
	// pruned rather than stranded.
	_, err = os.Stat(filepath.Join(cfg.DataDir, snapshot.VersionName(2)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.DataDir, snapshot.VersionName(1)))
	assert.True(t, os.IsNotExist(err))

	snap, err := snapshot.Open(cfg.DataDir)
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, stats.ChunksTotal, snap.Index.Len())
}

func TestRunModelChangeForcesReembed(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 2))

	first, err := newTestManager(cfg, newFakeEmbedder()).Run(context.Background(), false)
	require.NoError(t, err)

	changed := newFakeEmbedder()
	changed.model = "fake-embed-v2"
	stats, err := newTestManager(cfg, changed).Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, first.Version+1, stats.Version)
	assert.Equal(t, first.ChunksTotal, stats.ChunksEmbedded)
	assert.Zero(t, stats.ChunksReused)
	assert.Len(t, changed.embedded, first.ChunksTotal)
}

func TestRunRejectsConcurrentIngestion(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 1))

	lock, err := snapshot.AcquireLock(cfg.DataDir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = newTestManager(cfg, newFakeEmbedder()).Run(context.Background(), false)
	var ierr *IngestionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "lock", ierr.Op)
}

func TestRunCanceledContext(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestManager(cfg, newFakeEmbedder()).Run(ctx, false)
	var ierr *IngestionError
	require.ErrorAs(t, err, &ierr)

	_, err = snapshot.CurrentVersion(cfg.DataDir)
	assert.ErrorIs(t, err, snapshot.ErrNoSnapshot)
}

// queryAdapter embeds queries with the same derivation as fakeEmbedder, so
// a query equal to a chunk's text lands exactly on that chunk.
type queryAdapter struct{ emb *fakeEmbedder }

func (q queryAdapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := q.emb.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func TestIngestThenRetrieve(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 3))
	emb := newFakeEmbedder()

	stats, err := newTestManager(cfg, emb).Run(context.Background(), false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.ChunksTotal, 3)

	snap, err := snapshot.Open(cfg.DataDir)
	require.NoError(t, err)
	defer snap.Close()

	ret := retriever.New(snap, queryAdapter{emb}, cfg.MaxTopK)

	target, ok, err := snap.Store.Get(snap.Index.IDs()[0])
	require.NoError(t, err)
	require.True(t, ok)

	results, err := ret.Retrieve(context.Background(), target.Text, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, target.ChunkID, results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	for _, r := range results {
		assert.Equal(t, "volume_one.txt", r.Volume)
		assert.GreaterOrEqual(t, r.Page, 1)
		assert.LessOrEqual(t, r.Page, 3)
		assert.NotEmpty(t, r.Text)
	}
}

func TestRunProgressCallback(t *testing.T) {
	cfg := testConfig(t)
	writeVolume(t, cfg, "volume_one.txt", volumeText("annihilation of caste", 1))

	mgr := newTestManager(cfg, newFakeEmbedder())
	var stages []string
	mgr.SetProgress(func(stage string, done, total int) {
		stages = append(stages, stage)
	})

	_, err := mgr.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Contains(t, stages, "Chunking documents")
	assert.Contains(t, stages, "Embedding chunks")
	assert.Contains(t, stages, "Building index")
}
