// Package flat implements an exact, brute-force vector index for a single embedding space,
// persisted as a metadata record, an id list and fixed-size float32 shards. Every rewrite
// stores ids and shards as a new generation; meta.json names the committed one.
package flat

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/guozhaokui/imgindex/internal/domain"
)

// Defaults applied when Options fields are zero.
const (
	DefaultShardSize = 100000
	DefaultOverfetch = 3
)

// Spec identifies the embedding space an index holds.
type Spec struct {
	Dimension    int
	ModelName    string
	ModelVersion string
}

// Options tunes storage and search behavior.
type Options struct {
	// ShardSize bounds the number of rows per embeddings shard file.
	ShardSize int
	// Overfetch multiplies k in SearchDeduplicated so collapsed duplicates still leave k ids.
	Overfetch int
	// OnPersist, if set, is called after every full rewrite of an index.
	OnPersist func(index string, took time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.ShardSize <= 0 {
		o.ShardSize = DefaultShardSize
	}
	if o.Overfetch <= 0 {
		o.Overfetch = DefaultOverfetch
	}
	return o
}

// Meta is the persisted description of an index.
type Meta struct {
	IndexName    string `json:"index_name"`
	Dimension    int    `json:"dimension"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	ShardSize    int    `json:"shard_size"`
	TotalCount   int    `json:"total_count"`
	// Generation selects the committed ids/shards set. Zero is the index root.
	Generation int `json:"generation,omitempty"`
}

// Entry is the identity attached to one stored vector.
type Entry struct {
	ContentID string
	Tag       string
}

// Hit is a single row returned by Search. Position is only meaningful until the next Remove.
type Hit struct {
	Position int
	Score    float64
	Entry    Entry
}

// DedupHit is the best row for one content id.
type DedupHit struct {
	ContentID string
	Score     float64
	MatchedBy string
}

// Index holds one homogeneous collection of unit vectors. Add and Remove are exclusive with
// each other and with searches; searches run concurrently.
type Index struct {
	mu      sync.RWMutex
	dir     string
	meta    Meta
	opts    Options
	matrix  []float32 // row-major, len == len(entries)*dimension
	entries []Entry
}

// Open loads the index stored under dir/name, or creates an empty one when nothing is
// persisted there yet. The persisted dimension and model name must agree with spec.
func Open(dir, name string, spec Spec, opts Options) (*Index, error) {
	if spec.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrInvalidRequest, spec.Dimension)
	}
	opts = opts.withDefaults()
	x := &Index{
		dir: filepath.Join(dir, name),
		meta: Meta{
			IndexName:    name,
			Dimension:    spec.Dimension,
			ModelName:    spec.ModelName,
			ModelVersion: spec.ModelVersion,
			ShardSize:    opts.ShardSize,
		},
		opts: opts,
	}
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w: %w", domain.ErrPersistence, err)
	}

	persisted, ok, err := readMeta(x.dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := writeMeta(x.dir, x.meta); err != nil {
			return nil, err
		}
		return x, nil
	}

	if err := checkSpec(persisted, spec); err != nil {
		return nil, err
	}
	x.meta.ModelVersion = persisted.ModelVersion
	x.meta.Generation = persisted.Generation
	if x.meta.ModelName == "" {
		x.meta.ModelName = persisted.ModelName
	}
	if err := x.load(); err != nil {
		return nil, err
	}
	return x, nil
}

func checkSpec(persisted Meta, spec Spec) error {
	if persisted.Dimension != spec.Dimension {
		return &domain.ConfigMismatchError{
			Index:     persisted.IndexName,
			Field:     "dimension",
			Persisted: fmt.Sprint(persisted.Dimension),
			Expected:  fmt.Sprint(spec.Dimension),
		}
	}
	if spec.ModelName != "" && persisted.ModelName != spec.ModelName {
		return &domain.ConfigMismatchError{
			Index:     persisted.IndexName,
			Field:     "model_name",
			Persisted: persisted.ModelName,
			Expected:  spec.ModelName,
		}
	}
	return nil
}

// Meta returns the index description with the current entry count.
func (x *Index) Meta() Meta {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m := x.meta
	m.TotalCount = len(x.entries)
	return m
}

// Name returns the index name.
func (x *Index) Name() string { return x.meta.IndexName }

// Dimension returns the fixed vector length of the index.
func (x *Index) Dimension() int { return x.meta.Dimension }

// Count returns the number of stored entries.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// EntryAt returns the entry stored at position.
func (x *Index) EntryAt(position int) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if position < 0 || position >= len(x.entries) {
		return Entry{}, false
	}
	return x.entries[position], true
}

// Vector returns a copy of the stored vector at position.
func (x *Index) Vector(position int) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if position < 0 || position >= len(x.entries) {
		return nil, false
	}
	d := x.meta.Dimension
	out := make([]float32, d)
	copy(out, x.matrix[position*d:(position+1)*d])
	return out, true
}

// ContentIDs returns the distinct content ids in position order.
func (x *Index) ContentIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	seen := make(map[string]struct{}, len(x.entries))
	ids := make([]string, 0, len(x.entries))
	for _, e := range x.entries {
		if _, ok := seen[e.ContentID]; ok {
			continue
		}
		seen[e.ContentID] = struct{}{}
		ids = append(ids, e.ContentID)
	}
	return ids
}

// Add normalizes vector, appends it and rewrites the index on disk. It returns the new
// entry's position. On any error the index is left unchanged.
func (x *Index) Add(vector []float32, contentID, tag string) (int, error) {
	if len(vector) != x.meta.Dimension {
		return 0, domain.NewDimensionMismatch(len(vector), x.meta.Dimension)
	}
	if contentID == "" {
		return 0, fmt.Errorf("%w: content id is required", domain.ErrInvalidRequest)
	}
	unit, err := normalized(vector)
	if err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	pos := len(x.entries)
	x.matrix = append(x.matrix, unit...)
	x.entries = append(x.entries, Entry{ContentID: contentID, Tag: tag})

	if err := x.persist(); err != nil {
		x.matrix = x.matrix[:pos*x.meta.Dimension]
		x.entries = x.entries[:pos]
		return 0, err
	}
	return pos, nil
}

// Search returns the k rows most similar to query by cosine similarity, best first. Equal
// scores keep the lower position first. k larger than the index is clamped.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != x.meta.Dimension {
		return nil, domain.NewDimensionMismatch(len(query), x.meta.Dimension)
	}
	q, err := normalized(query)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.entries)
	if n == 0 || k <= 0 {
		return []Hit{}, nil
	}

	d := x.meta.Dimension
	scores := make([]float64, n)
	order := make([]int, n)
	for i := 0; i < n; i++ {
		scores[i] = cosine(q, x.matrix[i*d:(i+1)*d])
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if k > n {
		k = n
	}
	hits := make([]Hit, k)
	for i := 0; i < k; i++ {
		pos := order[i]
		hits[i] = Hit{Position: pos, Score: scores[pos], Entry: x.entries[pos]}
	}
	return hits, nil
}

// SearchDeduplicated returns at most k distinct content ids, each scored by its best row and
// labeled with that row's tag.
func (x *Index) SearchDeduplicated(query []float32, k int) ([]DedupHit, error) {
	if k <= 0 {
		return []DedupHit{}, nil
	}
	fetch := math.MaxInt
	if k <= math.MaxInt/x.opts.Overfetch {
		fetch = k * x.opts.Overfetch
	}
	raw, err := x.Search(query, fetch)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(raw))
	out := make([]DedupHit, 0, len(raw))
	for _, h := range raw {
		if i, ok := byID[h.Entry.ContentID]; ok {
			if h.Score > out[i].Score {
				out[i].Score = h.Score
				out[i].MatchedBy = h.Entry.Tag
			}
			continue
		}
		byID[h.Entry.ContentID] = len(out)
		out = append(out, DedupHit{ContentID: h.Entry.ContentID, Score: h.Score, MatchedBy: h.Entry.Tag})
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Remove deletes every entry with contentID, compacts the remaining rows and rewrites the
// index. Removing an absent id is a no-op returning 0. Positions returned earlier are invalid
// after a successful removal.
func (x *Index) Remove(contentID string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	d := x.meta.Dimension
	removed := 0
	for _, e := range x.entries {
		if e.ContentID == contentID {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	keep := len(x.entries) - removed
	matrix := make([]float32, 0, keep*d)
	entries := make([]Entry, 0, keep)
	for i, e := range x.entries {
		if e.ContentID == contentID {
			continue
		}
		matrix = append(matrix, x.matrix[i*d:(i+1)*d]...)
		entries = append(entries, e)
	}

	prevMatrix, prevEntries := x.matrix, x.entries
	x.matrix, x.entries = matrix, entries
	if err := x.persist(); err != nil {
		x.matrix, x.entries = prevMatrix, prevEntries
		return 0, err
	}
	return removed, nil
}

// persist rewrites the whole index. Callers hold the write lock.
func (x *Index) persist() error {
	start := time.Now()
	err := x.writeAll()
	if x.opts.OnPersist != nil {
		x.opts.OnPersist(x.meta.IndexName, time.Since(start), err)
	}
	return err
}
