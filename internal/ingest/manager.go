// Package ingest orchestrates one ingestion run: scan documents, diff
// chunks against the previous snapshot, embed only what changed, rebuild
// the index over the merged entry set, and publish everything atomically.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kataras/golog"

	"corpora/internal/chunker"
	"corpora/internal/config"
	"corpora/internal/extract"
	"corpora/internal/snapshot"
	"corpora/internal/store"
	"corpora/internal/vecindex"
)

// IngestionError reports a failed ingestion run. The previous snapshot
// remains authoritative; nothing was published.
type IngestionError struct {
	Op  string
	Err error
}

func (e *IngestionError) Error() string { return fmt.Sprintf("ingest %s: %v", e.Op, e.Err) }
func (e *IngestionError) Unwrap() error { return e.Err }

// Embedder is the embedding capability the manager needs. Tests substitute
// a deterministic fake; production uses embedder.Client.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// ProgressFunc reports ingestion progress for display.
type ProgressFunc func(stage string, done, total int)

// Stats reports the outcome of one run.
type Stats struct {
	Documents      int
	ChunksTotal    int
	ChunksEmbedded int
	ChunksReused   int
	Version        uint64
	Rebuilt        bool
}

// Manager runs ingestion. One logical batch job; concurrent runs against
// the same data directory are rejected by an advisory lock.
type Manager struct {
	cfg        config.Config
	extractor  extract.Extractor
	embedder   Embedder
	log        *golog.Logger
	onProgress ProgressFunc
}

// NewManager wires the pipeline. logger may be nil to disable logging.
func NewManager(cfg config.Config, ex extract.Extractor, emb Embedder, logger *golog.Logger) *Manager {
	if logger == nil {
		logger = golog.New()
		logger.SetLevel("disable")
	}
	return &Manager{cfg: cfg, extractor: ex, embedder: emb, log: logger}
}

// SetProgress installs a progress callback.
func (m *Manager) SetProgress(fn ProgressFunc) { m.onProgress = fn }

// Run executes one ingestion. In full mode every chunk is treated as new
// and prior state is discarded; otherwise unchanged chunks keep their
// existing vectors. If nothing changed, no rebuild happens and the version
// counter stays put. On any failure before publish, the previously
// persisted snapshot is untouched.
func (m *Manager) Run(ctx context.Context, full bool) (*Stats, error) {
	lock, err := snapshot.AcquireLock(m.cfg.DataDir)
	if err != nil {
		return nil, &IngestionError{Op: "lock", Err: err}
	}
	defer lock.Release()

	prev, err := m.openPrevious(full)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		defer prev.Close()
	}

	// Scan: extract documents and chunk them deterministically.
	docs, err := m.extractor.Extract(m.cfg.CorpusDir)
	if err != nil {
		return nil, &IngestionError{Op: "extract", Err: err}
	}
	var chunks []chunker.Chunk
	for i, doc := range docs {
		chunks = append(chunks, chunker.Split(doc, m.cfg.ChunkSize, m.cfg.ChunkOverlap)...)
		m.progress("Chunking documents", i+1, len(docs))
	}
	m.log.Infof("scanned %d documents into %d chunks", len(docs), len(chunks))

	stats := &Stats{Documents: len(docs), ChunksTotal: len(chunks)}

	// Diff: partition into reused and new-or-changed.
	reusedEntries, reusedRecords, newChunks, err := m.diff(prev, chunks)
	if err != nil {
		return nil, err
	}
	stats.ChunksReused = len(reusedEntries)
	stats.ChunksEmbedded = len(newChunks)

	if prev != nil && len(newChunks) == 0 && len(chunks) == prev.Index.Len() {
		// Identical chunk set; leave the published snapshot alone.
		m.log.Infof("corpus unchanged, snapshot %s stays current", snapshot.VersionName(prev.Version))
		stats.Version = prev.Version
		return stats, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, &IngestionError{Op: "embed", Err: err}
	}

	// Embed only the new chunks.
	m.progress("Embedding chunks", 0, len(newChunks))
	texts := make([]string, len(newChunks))
	for i, c := range newChunks {
		texts[i] = c.Text
	}
	vectors, err := m.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, &IngestionError{Op: "embed", Err: err}
	}
	m.progress("Embedding chunks", len(newChunks), len(newChunks))
	m.log.Infof("embedded %d chunks with %s, reused %d vectors", len(newChunks), m.embedder.Model(), len(reusedEntries))

	// Merge existing and new entries into the full set for this build.
	entries := append([]vecindex.Entry(nil), reusedEntries...)
	records := append([]store.Record(nil), reusedRecords...)
	for i, c := range newChunks {
		entries = append(entries, vecindex.Entry{ID: c.ID, Vector: vectors[i]})
		records = append(records, store.Record{
			ChunkID:  c.ID,
			Document: c.DocumentID,
			Volume:   c.Volume,
			Page:     c.Page,
			Text:     c.Text,
			Hash:     c.Hash,
		})
	}

	// The version counter advances monotonically even when prior content is
	// discarded (full mode, model change): publishing onto the live version
	// directory would leave readers with no complete snapshot.
	version := uint64(1)
	if prev != nil {
		version = prev.Version + 1
	} else if cur, err := snapshot.CurrentVersion(m.cfg.DataDir); err == nil {
		version = cur + 1
	}

	// Rebuild considers the complete entry set; the structure cannot be
	// extended in place.
	m.progress("Building index", 0, 1)
	idx, err := vecindex.Build(entries, m.embedder.Dimension(), m.cfg.IndexTrees, version)
	if err != nil {
		return nil, &IngestionError{Op: "build", Err: err}
	}
	m.progress("Building index", 1, 1)

	if err := m.writeAndPublish(idx, records, version); err != nil {
		return nil, err
	}

	stats.Version = version
	stats.Rebuilt = true
	m.log.Infof("published snapshot %s: %d chunks from %d documents", snapshot.VersionName(version), len(records), len(docs))
	return stats, nil
}

// openPrevious loads the current snapshot for incremental reuse. Full mode
// and a missing snapshot both start from scratch; a recorded embedding
// model different from the configured one forces a full re-embed.
func (m *Manager) openPrevious(full bool) (*snapshot.Snapshot, error) {
	if full {
		return nil, nil
	}
	prev, err := snapshot.Open(m.cfg.DataDir)
	if err != nil {
		if err == snapshot.ErrNoSnapshot {
			return nil, nil
		}
		return nil, err
	}
	lastModel, err := prev.Store.GetMeta(store.MetaEmbedModel)
	if err != nil {
		prev.Close()
		return nil, &IngestionError{Op: "diff", Err: err}
	}
	if lastModel != "" && lastModel != m.embedder.Model() {
		m.log.Warnf("embedding model changed from %q to %q, re-embedding everything", lastModel, m.embedder.Model())
		prev.Close()
		return nil, nil
	}
	return prev, nil
}

// diff partitions chunks by consulting the manifest first (cheap hash
// membership) and the metadata store as the authority. A chunk is reused
// only when the same id carries the same content hash and its vector is
// present in the previous index.
func (m *Manager) diff(prev *snapshot.Snapshot, chunks []chunker.Chunk) ([]vecindex.Entry, []store.Record, []chunker.Chunk, error) {
	if prev == nil {
		return nil, nil, chunks, nil
	}

	manifest, err := store.LoadManifest(filepath.Join(prev.Dir, snapshot.ManifestFile))
	if err != nil {
		// Accelerator lost; rebuild it from the authoritative store.
		records, rerr := prev.Store.AllRecords()
		if rerr != nil {
			return nil, nil, nil, &IngestionError{Op: "diff", Err: rerr}
		}
		manifest = store.ManifestFromRecords(records)
		m.log.Warnf("manifest missing or unreadable, rebuilt from metadata (%v)", err)
	}

	var entries []vecindex.Entry
	var records []store.Record
	var fresh []chunker.Chunk
	for _, c := range chunks {
		if !manifest.Contains(c.Hash) {
			fresh = append(fresh, c)
			continue
		}
		rec, ok, err := prev.Store.Get(c.ID)
		if err != nil {
			return nil, nil, nil, &IngestionError{Op: "diff", Err: err}
		}
		if !ok || rec.Hash != c.Hash {
			fresh = append(fresh, c)
			continue
		}
		vec, ok := prev.Index.Vector(c.ID)
		if !ok {
			fresh = append(fresh, c)
			continue
		}
		entries = append(entries, vecindex.Entry{ID: c.ID, Vector: vec})
		records = append(records, rec)
	}
	return entries, records, fresh, nil
}

// writeAndPublish stages the three artefacts and flips CURRENT. All three
// become visible together or not at all.
func (m *Manager) writeAndPublish(idx *vecindex.Index, records []store.Record, version uint64) error {
	staging, err := snapshot.Stage(m.cfg.DataDir, version)
	if err != nil {
		return &IngestionError{Op: "stage", Err: err}
	}
	abort := func(op string, err error) error {
		os.RemoveAll(staging)
		return &IngestionError{Op: op, Err: err}
	}

	if err := idx.Save(filepath.Join(staging, snapshot.IndexFile)); err != nil {
		return abort("persist index", err)
	}

	st, err := store.Open(filepath.Join(staging, snapshot.MetadataFile))
	if err != nil {
		return abort("persist metadata", err)
	}
	if err := st.UpsertAll(records); err != nil {
		st.Close()
		return abort("persist metadata", err)
	}
	meta := map[string]string{
		store.MetaEmbedModel:   m.embedder.Model(),
		store.MetaDimension:    strconv.Itoa(m.embedder.Dimension()),
		store.MetaChunkSize:    strconv.Itoa(m.cfg.ChunkSize),
		store.MetaChunkOverlap: strconv.Itoa(m.cfg.ChunkOverlap),
		store.MetaBuildCount:   strconv.FormatUint(version, 10),
		store.MetaBuiltAt:      time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if err := st.SetMeta(k, v); err != nil {
			st.Close()
			return abort("persist metadata", err)
		}
	}
	if err := st.Close(); err != nil {
		return abort("persist metadata", err)
	}

	manifest := store.NewManifest()
	for _, r := range records {
		manifest.Add(r.Hash)
	}
	if err := manifest.Save(filepath.Join(staging, snapshot.ManifestFile)); err != nil {
		return abort("persist manifest", err)
	}

	if err := snapshot.Publish(m.cfg.DataDir, staging, version); err != nil {
		return abort("publish", err)
	}
	return nil
}

func (m *Manager) progress(stage string, done, total int) {
	if m.onProgress != nil {
		m.onProgress(stage, done, total)
	}
}
