package flat

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/domain"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Manager owns every index under one root directory. At most one Index instance exists per
// name for the lifetime of the Manager.
type Manager struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewManager creates a manager rooted at dir, creating the directory if needed.
func NewManager(dir string, opts Options, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index root: %w: %w", domain.ErrPersistence, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:     dir,
		opts:    opts.withDefaults(),
		logger:  logger,
		indexes: make(map[string]*Index),
	}, nil
}

// GetOrCreate returns the loaded index, loading it from disk or creating it empty on first
// use. A persisted dimension or model name that disagrees with spec is a config mismatch; a
// differing model version is logged and the persisted version is kept.
func (m *Manager) GetOrCreate(name string, spec Spec) (*Index, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if x, ok := m.indexes[name]; ok {
		meta := x.Meta()
		if err := checkSpec(meta, spec); err != nil {
			return nil, err
		}
		m.warnVersion(meta, spec)
		return x, nil
	}

	x, err := Open(m.dir, name, spec, m.opts)
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", name, err)
	}
	meta := x.Meta()
	m.warnVersion(meta, spec)
	m.indexes[name] = x
	m.logger.Info("index opened",
		zap.String("index", name),
		zap.Int("dimension", meta.Dimension),
		zap.String("model", meta.ModelName),
		zap.Int("count", meta.TotalCount),
	)
	return x, nil
}

// Get returns an index by name, hydrating it from disk if it was persisted but not yet loaded.
func (m *Manager) Get(name string) (*Index, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if x, ok := m.indexes[name]; ok {
		return x, nil
	}
	meta, ok, err := readMeta(filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("index %q: %w", name, domain.ErrNotFound)
	}
	x, err := Open(m.dir, name, Spec{
		Dimension:    meta.Dimension,
		ModelName:    meta.ModelName,
		ModelVersion: meta.ModelVersion,
	}, m.opts)
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", name, err)
	}
	m.indexes[name] = x
	return x, nil
}

// List returns metadata for every loaded index plus every index persisted on disk, sorted
// by name.
func (m *Manager) List() ([]Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Meta, 0, len(m.indexes))
	seen := make(map[string]struct{}, len(m.indexes))
	for name, x := range m.indexes {
		out = append(out, x.Meta())
		seen[name] = struct{}{}
	}

	dirents, err := os.ReadDir(m.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list index root: %w: %w", domain.ErrPersistence, err)
	}
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		if _, ok := seen[de.Name()]; ok {
			continue
		}
		meta, ok, err := readMeta(filepath.Join(m.dir, de.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable index", zap.String("index", de.Name()), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, meta)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IndexName < out[j].IndexName })
	return out, nil
}

func (m *Manager) warnVersion(meta Meta, spec Spec) {
	if spec.ModelVersion != "" && meta.ModelVersion != spec.ModelVersion {
		m.logger.Warn("model version differs from persisted index",
			zap.String("index", meta.IndexName),
			zap.String("persisted", meta.ModelVersion),
			zap.String("configured", spec.ModelVersion),
		)
	}
}

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: invalid index name %q", domain.ErrInvalidRequest, name)
	}
	return nil
}
