package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Manifest is the set of content hashes that have already been embedded.
// It only accelerates the unchanged/new partition during ingestion; the
// metadata store stays authoritative and the manifest can be rebuilt from
// it at any time.
type Manifest struct {
	hashes map[string]struct{}
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{hashes: make(map[string]struct{})}
}

// ManifestFromRecords rebuilds the manifest from metadata records.
func ManifestFromRecords(records []Record) *Manifest {
	m := NewManifest()
	for _, r := range records {
		m.Add(r.Hash)
	}
	return m
}

// LoadManifest reads a manifest file. The caller falls back to
// ManifestFromRecords when the file is missing or unreadable.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file manifestFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m := NewManifest()
	for _, h := range file.Hashes {
		m.Add(h)
	}
	return m, nil
}

type manifestFile struct {
	Hashes []string `json:"hashes"`
}

// Add records a content hash as embedded.
func (m *Manifest) Add(hash string) {
	m.hashes[hash] = struct{}{}
}

// Contains reports whether the hash has been embedded before.
func (m *Manifest) Contains(hash string) bool {
	_, ok := m.hashes[hash]
	return ok
}

// Len returns the number of recorded hashes.
func (m *Manifest) Len() int { return len(m.hashes) }

// Save writes the manifest with write-to-temp-then-rename. Hashes are
// sorted so the file is reproducible.
func (m *Manifest) Save(path string) error {
	hashes := make([]string, 0, len(m.hashes))
	for h := range m.hashes {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	data, err := json.Marshal(manifestFile{Hashes: hashes})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
