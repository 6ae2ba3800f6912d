package vecindex

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	fileMagic     = "corpora.ann"
	formatVersion = 1
)

// indexFile is the on-disk layout. gob gives a compact binary encoding for
// the vector matrix and the tree structure.
type indexFile struct {
	Magic      string
	Format     int
	BuildCount uint64
	Dim        int
	IDs        []string
	Vectors    [][]float32
	Trees      []*node
}

// Save serializes the index to path using write-to-temp-then-rename so a
// reader never observes a partial file.
func (ix *Index) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return &IndexError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())

	enc := gob.NewEncoder(tmp)
	err = enc.Encode(indexFile{
		Magic:      fileMagic,
		Format:     formatVersion,
		BuildCount: ix.buildCount,
		Dim:        ix.dim,
		IDs:        ix.ids,
		Vectors:    ix.vectors,
		Trees:      ix.trees,
	})
	if err != nil {
		tmp.Close()
		return &IndexError{Path: path, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IndexError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IndexError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &IndexError{Path: path, Err: err}
	}
	return nil
}

// Load reads a persisted index. Missing or structurally invalid files are
// reported as *IndexError.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IndexError{Path: path, Err: err}
	}
	defer f.Close()

	var data indexFile
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, &IndexError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	if data.Magic != fileMagic {
		return nil, &IndexError{Path: path, Err: errors.New("not an index file")}
	}
	if data.Format != formatVersion {
		return nil, &IndexError{Path: path, Err: fmt.Errorf("unsupported format version %d", data.Format)}
	}
	if len(data.IDs) != len(data.Vectors) {
		return nil, &IndexError{Path: path, Err: fmt.Errorf("%d ids but %d vectors", len(data.IDs), len(data.Vectors))}
	}
	for i, v := range data.Vectors {
		if len(v) != data.Dim {
			return nil, &IndexError{Path: path, Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), data.Dim)}
		}
	}

	return &Index{
		dim:        data.Dim,
		buildCount: data.BuildCount,
		ids:        data.IDs,
		vectors:    data.Vectors,
		trees:      data.Trees,
	}, nil
}
