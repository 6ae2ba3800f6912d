// Package snapshot manages atomically-published versions of the persisted
// state. Each version is a directory holding the index, metadata, and
// manifest files; a CURRENT pointer file names the live version and is
// swapped with write-to-temp-then-rename. Readers resolve files only
// through CURRENT, so they see either the prior complete snapshot or the
// new one, never a mix.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"corpora/internal/store"
	"corpora/internal/vecindex"
)

// File names inside a snapshot directory and the data directory.
const (
	IndexFile    = "index.ann"
	MetadataFile = "metadata.db"
	ManifestFile = "manifest.json"

	currentFile = "CURRENT"
	lockFile    = "ingest.lock"
)

// ErrNoSnapshot is returned when the data directory holds no published
// version yet.
var ErrNoSnapshot = errors.New("no snapshot published; run ingest first")

// Snapshot is one loaded, immutable version of {index, metadata}. The
// manifest is ingestion-only and loaded separately.
type Snapshot struct {
	Dir     string
	Version uint64
	Index   *vecindex.Index
	Store   *store.Store
}

// Close releases the metadata store.
func (s *Snapshot) Close() error {
	return s.Store.Close()
}

// VersionName formats a version counter as a directory name.
func VersionName(v uint64) string {
	return fmt.Sprintf("v%06d", v)
}

// CurrentVersion reads the CURRENT pointer. Returns ErrNoSnapshot when the
// data directory has no published version.
func CurrentVersion(dataDir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoSnapshot
		}
		return 0, err
	}
	name := strings.TrimSpace(string(data))
	var v uint64
	if _, err := fmt.Sscanf(name, "v%d", &v); err != nil {
		return 0, &vecindex.IndexError{Path: filepath.Join(dataDir, currentFile), Err: fmt.Errorf("malformed version %q", name)}
	}
	return v, nil
}

// Open loads the current snapshot and verifies that the index and metadata
// agree on membership: every chunk id in the index has a metadata record
// and vice versa. A mismatch is an *vecindex.IndexError rather than a
// silently degraded snapshot.
func Open(dataDir string) (*Snapshot, error) {
	version, err := CurrentVersion(dataDir)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(dataDir, VersionName(version))

	idx, err := vecindex.Load(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}

	storeIDs, err := st.ChunkIDs()
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := checkConsistent(dir, idx.IDs(), storeIDs); err != nil {
		st.Close()
		return nil, err
	}

	return &Snapshot{Dir: dir, Version: version, Index: idx, Store: st}, nil
}

func checkConsistent(dir string, indexIDs, storeIDs []string) error {
	if len(indexIDs) != len(storeIDs) {
		return &vecindex.IndexError{
			Path: dir,
			Err:  fmt.Errorf("index has %d entries, metadata has %d", len(indexIDs), len(storeIDs)),
		}
	}
	for i := range indexIDs {
		if indexIDs[i] != storeIDs[i] {
			return &vecindex.IndexError{
				Path: dir,
				Err:  fmt.Errorf("index and metadata disagree at %q vs %q", indexIDs[i], storeIDs[i]),
			}
		}
	}
	return nil
}

// Stage creates the staging directory for the next version. Any leftover
// staging directory from an aborted run is removed first.
func Stage(dataDir string, version uint64) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	dir := filepath.Join(dataDir, VersionName(version)+".tmp")
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Publish makes the staged version live: the staging directory is renamed
// to its final name, then CURRENT is swapped atomically. Versions older
// than the previous one are pruned afterwards, best effort, so an in-flight
// reader of the prior snapshot is never disturbed.
func Publish(dataDir, stagingDir string, version uint64) error {
	finalDir := filepath.Join(dataDir, VersionName(version))
	if err := os.RemoveAll(finalDir); err != nil {
		return err
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dataDir, ".current-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(VersionName(version) + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dataDir, currentFile)); err != nil {
		return err
	}

	prune(dataDir, version)
	return nil
}

// prune removes version directories older than the previous snapshot and
// stray staging directories.
func prune(dataDir string, current uint64) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.RemoveAll(filepath.Join(dataDir, name))
			continue
		}
		var v uint64
		if _, err := fmt.Sscanf(name, "v%d", &v); err != nil {
			continue
		}
		if v+1 < current {
			os.RemoveAll(filepath.Join(dataDir, name))
		}
	}
}

// Lock is the process-wide advisory ingestion lock. Only one ingestion run
// may hold it per data directory.
type Lock struct {
	path string
}

// AcquireLock takes the lock or fails if another run holds it.
func AcquireLock(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another ingestion holds %s; remove it if no run is active", path)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &Lock{path: path}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
