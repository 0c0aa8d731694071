package flat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/guozhaokui/imgindex/internal/domain"
)

const (
	metaFile = "meta.json"
	idsFile  = "ids.json"
)

func shardFile(i int) string { return fmt.Sprintf("embeddings_%d.bin", i) }

// idRecord is one element of ids.json, aligned with matrix rows.
type idRecord struct {
	ID        int    `json:"id"`
	ContentID string `json:"content_id"`
	Tag       string `json:"tag"`
}

func readMeta(dir string) (Meta, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("read %s: %w: %w", metaFile, domain.ErrPersistence, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, false, fmt.Errorf("decode %s: %w: %w", metaFile, domain.ErrPersistence, err)
	}
	return m, true, nil
}

func writeMeta(dir string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w: %w", metaFile, domain.ErrPersistence, err)
	}
	return writeFileAtomic(filepath.Join(dir, metaFile), data)
}

// writeAll writes ids and shards into the next generation directory and commits it by
// rewriting meta.json. A failure before the commit leaves the previous generation, which
// meta.json still names, loadable. Callers hold the write lock.
func (x *Index) writeAll() error {
	prev := x.meta.Generation
	next := prev + 1
	dst := x.dataDir(next)

	// Leftovers from an interrupted rewrite.
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear generation %d: %w: %w", next, domain.ErrPersistence, err)
	}
	if err := os.Mkdir(dst, 0o755); err != nil {
		return fmt.Errorf("create generation %d: %w: %w", next, domain.ErrPersistence, err)
	}

	m := x.meta
	m.TotalCount = len(x.entries)
	m.Generation = next
	err := x.writeData(dst)
	if err == nil {
		err = writeMeta(x.dir, m)
	}
	if err != nil {
		_ = os.RemoveAll(dst)
		return err
	}

	x.meta.Generation = next
	x.dropGeneration(prev)
	return nil
}

func (x *Index) writeData(dst string) error {
	d := x.meta.Dimension
	n := len(x.entries)
	rowsPerShard := x.meta.ShardSize

	shards := 0
	for start := 0; start < n; start += rowsPerShard {
		end := min(start+rowsPerShard, n)
		data := encodeFloat32s(x.matrix[start*d : end*d])
		if err := writeFileAtomic(filepath.Join(dst, shardFile(shards)), data); err != nil {
			return fmt.Errorf("shard %d: %w", shards, err)
		}
		shards++
	}

	records := make([]idRecord, n)
	for i, e := range x.entries {
		records[i] = idRecord{ID: i, ContentID: e.ContentID, Tag: e.Tag}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode %s: %w: %w", idsFile, domain.ErrPersistence, err)
	}
	return writeFileAtomic(filepath.Join(dst, idsFile), data)
}

// dataDir is where generation gen keeps ids.json and its shards.
func (x *Index) dataDir(gen int) string {
	if gen == 0 {
		return x.dir
	}
	return filepath.Join(x.dir, genDir(gen))
}

func genDir(gen int) string { return fmt.Sprintf("gen-%d", gen) }

// dropGeneration deletes a superseded generation. Failures only leave garbage that the next
// load sweeps.
func (x *Index) dropGeneration(gen int) {
	if gen != 0 {
		_ = os.RemoveAll(x.dataDir(gen))
		return
	}
	_ = os.Remove(filepath.Join(x.dir, idsFile))
	_ = removeShardsFrom(x.dir, 0)
}

// sweepGenerations removes every generation other than the committed one.
func (x *Index) sweepGenerations() {
	if x.meta.Generation != 0 {
		x.dropGeneration(0)
	}
	entries, err := os.ReadDir(x.dir)
	if err != nil {
		return
	}
	keep := genDir(x.meta.Generation)
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "gen-") && e.Name() != keep {
			_ = os.RemoveAll(filepath.Join(x.dir, e.Name()))
		}
	}
}

// removeShardsFrom deletes embeddings_<from>.bin, embeddings_<from+1>.bin and so on until
// the first missing file.
func removeShardsFrom(dir string, from int) error {
	for i := from; ; i++ {
		err := os.Remove(filepath.Join(dir, shardFile(i)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove stale shard %d: %w: %w", i, domain.ErrPersistence, err)
		}
	}
}

// load reads the committed generation into memory and sweeps the others. Callers own x
// exclusively.
func (x *Index) load() error {
	src := x.dataDir(x.meta.Generation)
	data, err := os.ReadFile(filepath.Join(src, idsFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w: %w", idsFile, domain.ErrPersistence, err)
	}
	var records []idRecord
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("decode %s: %w: %w", idsFile, domain.ErrPersistence, err)
		}
	}

	d := x.meta.Dimension
	rowBytes := 4 * d
	matrix := make([]float32, 0, len(records)*d)
	for i := 0; ; i++ {
		raw, err := os.ReadFile(filepath.Join(src, shardFile(i)))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("read shard %d: %w: %w", i, domain.ErrPersistence, err)
		}
		if len(raw)%rowBytes != 0 {
			return fmt.Errorf("shard %d: %w: %d bytes is not a multiple of row size %d",
				i, domain.ErrPersistence, len(raw), rowBytes)
		}
		vals, err := decodeFloat32s(raw)
		if err != nil {
			return fmt.Errorf("shard %d: %w: %w", i, domain.ErrPersistence, err)
		}
		matrix = append(matrix, vals...)
	}

	rows := len(matrix) / d
	if rows != len(records) {
		return fmt.Errorf("%w: %d stored rows but %d ids", domain.ErrPersistence, rows, len(records))
	}

	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = Entry{ContentID: r.ContentID, Tag: r.Tag}
	}
	x.matrix = matrix
	x.entries = entries
	x.sweepGenerations()
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w: %w", base, domain.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w: %w", base, domain.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w: %w", base, domain.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w: %w", base, domain.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w: %w", base, domain.ErrPersistence, err)
	}
	tmpName = ""
	return nil
}
