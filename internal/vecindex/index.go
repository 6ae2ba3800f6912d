// Package vecindex implements an approximate-nearest-neighbor index over
// chunk vectors: a forest of random-projection trees with the angular
// metric. An index is built once from the complete entry set and never
// mutated; any corpus change requires a full rebuild.
package vecindex

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

var (
	// ErrInvalidK is returned when a query asks for a non-positive k.
	ErrInvalidK = errors.New("k must be positive")
	// ErrEmpty is returned when querying an index with no entries.
	ErrEmpty = errors.New("index is empty")
)

// IndexError reports a missing, corrupt, or inconsistent persisted index.
type IndexError struct {
	Path string
	Err  error
}

func (e *IndexError) Error() string { return fmt.Sprintf("index %s: %v", e.Path, e.Err) }
func (e *IndexError) Unwrap() error { return e.Err }

// Entry binds a chunk id to its embedding vector.
type Entry struct {
	ID     string
	Vector []float32
}

// Match is one query result.
type Match struct {
	ID       string
	Distance float32
}

// Tree shape parameters. leafSize bounds items per leaf; maxDepth guards
// against degenerate splits.
const (
	leafSize = 16
	maxDepth = 40
)

// node is one tree node: either a leaf holding item indexes or an internal
// node with a split hyperplane. Fields are exported for gob.
type node struct {
	Items []int32
	Plane []float32
	Bias  float32
	Left  *node
	Right *node
}

// Index is the built ANN structure. Immutable after Build; safe for
// concurrent queries.
type Index struct {
	dim        int
	buildCount uint64
	ids        []string
	vectors    [][]float32 // unit length, parallel to ids
	trees      []*node
}

// Build constructs an index from the complete current entry set. It is a
// pure function of its inputs: entries are sorted by id and each tree's
// split planes come from a source seeded with the tree number, so the same
// entry set always yields the same structure. Expected cost O(n log n) per
// tree. buildCount is the snapshot version the index belongs to.
func Build(entries []Entry, dim, numTrees int, buildCount uint64) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if numTrees <= 0 {
		numTrees = 1
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	idx := &Index{
		dim:        dim,
		buildCount: buildCount,
		ids:        make([]string, len(sorted)),
		vectors:    make([][]float32, len(sorted)),
	}
	for i, e := range sorted {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("entry %s: vector dimension %d, want %d", e.ID, len(e.Vector), dim)
		}
		if i > 0 && e.ID == sorted[i-1].ID {
			return nil, fmt.Errorf("duplicate entry id %s", e.ID)
		}
		idx.ids[i] = e.ID
		idx.vectors[i] = normalize(e.Vector)
	}

	if len(sorted) > 0 {
		all := make([]int32, len(sorted))
		for i := range all {
			all[i] = int32(i)
		}
		idx.trees = make([]*node, numTrees)
		for t := 0; t < numTrees; t++ {
			rng := rand.New(rand.NewSource(int64(t) + 1))
			items := make([]int32, len(all))
			copy(items, all)
			idx.trees[t] = idx.buildNode(items, 0, rng)
		}
	}
	return idx, nil
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.ids) }

// Dimension returns the vector dimensionality.
func (ix *Index) Dimension() int { return ix.dim }

// BuildCount returns the version counter recorded at build time.
func (ix *Index) BuildCount() uint64 { return ix.buildCount }

// IDs returns the chunk ids in ascending order. Callers must not modify the
// returned slice.
func (ix *Index) IDs() []string { return ix.ids }

// Entries returns the stored id/vector pairs so an ingestion run can carry
// unchanged vectors into the next build. Vectors are unit length; Build
// normalization is idempotent, so they feed straight back in.
func (ix *Index) Entries() []Entry {
	entries := make([]Entry, len(ix.ids))
	for i, id := range ix.ids {
		entries[i] = Entry{ID: id, Vector: ix.vectors[i]}
	}
	return entries
}

// Vector returns the stored unit vector for a chunk id.
func (ix *Index) Vector(id string) ([]float32, bool) {
	i := sort.SearchStrings(ix.ids, id)
	if i < len(ix.ids) && ix.ids[i] == id {
		return ix.vectors[i], true
	}
	return nil, false
}

// Query returns up to k chunk ids ordered by ascending angular distance,
// ties broken by ascending chunk id. When k does not exceed the entry
// count, exactly k matches come back: if tree traversal gathers too few
// candidates, the remainder are scored exhaustively.
func (ix *Index) Query(vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(ix.ids) == 0 {
		return nil, ErrEmpty
	}
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("query vector dimension %d, want %d", len(vector), ix.dim)
	}

	q := normalize(vector)
	searchK := len(ix.trees) * k
	if searchK < k {
		searchK = k
	}

	seen := make([]bool, len(ix.ids))
	candidates := ix.gather(q, searchK, seen)
	if len(candidates) < k {
		// Approximate traversal came up short; fall back to the full set.
		for i := range ix.ids {
			if !seen[i] {
				candidates = append(candidates, int32(i))
			}
		}
	}

	matches := make([]Match, 0, len(candidates))
	for _, item := range candidates {
		matches = append(matches, Match{
			ID:       ix.ids[item],
			Distance: angular(q, ix.vectors[item]),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// buildNode recursively partitions items with random split hyperplanes.
func (ix *Index) buildNode(items []int32, depth int, rng *rand.Rand) *node {
	if len(items) <= leafSize || depth >= maxDepth {
		return &node{Items: items}
	}

	plane, bias, ok := ix.chooseSplit(items, rng)
	if !ok {
		return &node{Items: items}
	}

	var left, right []int32
	for _, item := range items {
		if margin(plane, bias, ix.vectors[item]) >= 0 {
			right = append(right, item)
		} else {
			left = append(left, item)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Items: items}
	}
	return &node{
		Plane: plane,
		Bias:  bias,
		Left:  ix.buildNode(left, depth+1, rng),
		Right: ix.buildNode(right, depth+1, rng),
	}
}

// chooseSplit draws two distinct items and splits on the hyperplane
// equidistant from them. Fails when the sample is degenerate, e.g. all
// items identical.
func (ix *Index) chooseSplit(items []int32, rng *rand.Rand) ([]float32, float32, bool) {
	for attempt := 0; attempt < 5; attempt++ {
		a := ix.vectors[items[rng.Intn(len(items))]]
		b := ix.vectors[items[rng.Intn(len(items))]]

		plane := make([]float32, ix.dim)
		var norm float64
		for i := range plane {
			plane[i] = a[i] - b[i]
			norm += float64(plane[i]) * float64(plane[i])
		}
		if norm < 1e-12 {
			continue
		}
		var bias float32
		for i := range plane {
			bias -= plane[i] * (a[i] + b[i]) / 2
		}
		return plane, bias, true
	}
	return nil, 0, false
}

// gather walks all trees with a shared priority queue, expanding the most
// promising branches first until searchK distinct items are collected.
func (ix *Index) gather(q []float32, searchK int, seen []bool) []int32 {
	pq := &nodeQueue{}
	heap.Init(pq)
	for _, root := range ix.trees {
		heap.Push(pq, queued{priority: math.MaxFloat32, n: root})
	}

	var out []int32
	for pq.Len() > 0 && len(out) < searchK {
		top := heap.Pop(pq).(queued)
		n := top.n
		if n.Left == nil && n.Right == nil {
			for _, item := range n.Items {
				if !seen[item] {
					seen[item] = true
					out = append(out, item)
				}
			}
			continue
		}
		m := margin(n.Plane, n.Bias, q)
		heap.Push(pq, queued{priority: minf(top.priority, m), n: n.Right})
		heap.Push(pq, queued{priority: minf(top.priority, -m), n: n.Left})
	}
	return out
}

type queued struct {
	priority float32
	n        *node
}

// nodeQueue is a max-heap on priority.
type nodeQueue []queued

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].priority > q[j].priority }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(queued)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func margin(plane []float32, bias float32, v []float32) float32 {
	m := bias
	for i := range plane {
		m += plane[i] * v[i]
	}
	return m
}

// angular computes sqrt(2*(1-cos)) between unit vectors, range [0, 2].
func angular(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return float32(math.Sqrt(2 * (1 - dot)))
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
