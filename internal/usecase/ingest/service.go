package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guozhaokui/imgindex/internal/db/flat"
	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/logger"
	"github.com/guozhaokui/imgindex/internal/metrics"
	"github.com/guozhaokui/imgindex/internal/registry"
)

// ImageTag is the provenance tag of vectors embedded from the image itself.
const ImageTag = "image"

// Added is one vector stored by an ingest call.
type Added struct {
	Index    string
	Position int
}

// Failure is one index an ingest call could not write.
type Failure struct {
	Index string
	Err   error
}

// Report lists the per-index outcome of an ingest call.
type Report struct {
	Added  []Added
	Failed []Failure
}

// Removal is the number of vectors dropped from one index.
type Removal struct {
	Index   string
	Removed int
}

// Service is the write path: provider, then index, then disk.
type Service struct {
	indexes      IndexStore
	bindings     Bindings
	descriptions DescriptionWriter
	workers      int
}

// New creates an ingest service. descriptions may be nil.
func New(indexes IndexStore, bindings Bindings, descriptions DescriptionWriter, workers int) *Service {
	return &Service{
		indexes:      indexes,
		bindings:     bindings,
		descriptions: descriptions,
		workers:      workers,
	}
}

// AddVector stores a precomputed vector. Indexes bound to a provider are created on demand
// with that provider's identity; unbound indexes must already exist.
func (s *Service) AddVector(
	_ context.Context, index string, vector []float32, contentID, tag string,
) (int, error) {
	idx, err := s.open(index)
	if err != nil {
		return 0, err
	}
	pos, err := idx.Add(vector, contentID, tag)
	if err != nil {
		return 0, fmt.Errorf("add to %s: %w", index, err)
	}
	observeCount(idx)
	return pos, nil
}

// IndexText embeds text as a document with every enabled text provider (or the named indexes)
// and adds the result under tag. Failing indexes are reported, not fatal; the call only fails
// when nothing was stored.
func (s *Service) IndexText(
	ctx context.Context, contentID, tag, text string, indexes []string,
) (Report, error) {
	if text == "" || tag == "" || contentID == "" {
		return Report{}, fmt.Errorf("%w: content id, tag and text are required", domain.ErrInvalidRequest)
	}
	if s.descriptions != nil {
		if err := s.descriptions.Save(contentID, tag, text); err != nil {
			logger.FromContext(ctx).Warn("Failed to store description",
				zap.String("content_id", contentID),
				zap.String("tag", tag),
				zap.Error(err),
			)
		}
	}
	return s.ingest(ctx, contentID, tag, domain.TextInput(text, false), indexes)
}

// IndexImage embeds image bytes with every enabled image provider (or the named indexes) and
// adds the result under the "image" tag.
func (s *Service) IndexImage(
	ctx context.Context, contentID string, image []byte, indexes []string,
) (Report, error) {
	if len(image) == 0 || contentID == "" {
		return Report{}, fmt.Errorf("%w: content id and image are required", domain.ErrInvalidRequest)
	}
	return s.ingest(ctx, contentID, ImageTag, domain.ImageInput(image, false), indexes)
}

// Remove deletes every vector of contentID from one index.
func (s *Service) Remove(_ context.Context, index, contentID string) (int, error) {
	idx, err := s.indexes.Get(index)
	if err != nil {
		return 0, fmt.Errorf("get index: %w", err)
	}
	n, err := idx.Remove(contentID)
	if err != nil {
		return 0, fmt.Errorf("remove from %s: %w", index, err)
	}
	observeCount(idx)
	return n, nil
}

// RemoveEverywhere deletes contentID from every index on disk. Indexes that fail are logged
// and skipped; the first error is returned after all indexes were tried.
func (s *Service) RemoveEverywhere(ctx context.Context, contentID string) ([]Removal, error) {
	metas, err := s.indexes.List()
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}

	var out []Removal
	var errs []error
	for _, m := range metas {
		n, err := s.Remove(ctx, m.IndexName, contentID)
		if err != nil {
			logger.FromContext(ctx).Error("Failed to remove content",
				zap.String("index", m.IndexName),
				zap.String("content_id", contentID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			out = append(out, Removal{Index: m.IndexName, Removed: n})
		}
	}
	return out, errors.Join(errs...)
}

// List describes every index on disk.
func (s *Service) List(_ context.Context) ([]flat.Meta, error) {
	metas, err := s.indexes.List()
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	return metas, nil
}

// Describe returns the metadata of one index.
func (s *Service) Describe(_ context.Context, index string) (flat.Meta, error) {
	idx, err := s.indexes.Get(index)
	if err != nil {
		return flat.Meta{}, fmt.Errorf("get index: %w", err)
	}
	return idx.Meta(), nil
}

func (s *Service) open(index string) (*flat.Index, error) {
	if b, ok := s.bindings.Binding(index); ok {
		idx, err := s.indexes.GetOrCreate(index, specOf(b.Provider))
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		return idx, nil
	}
	idx, err := s.indexes.Get(index)
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}
	return idx, nil
}

func (s *Service) ingest(
	ctx context.Context, contentID, tag string, in domain.Input, names []string,
) (Report, error) {
	targets, failed, err := s.resolveTargets(in.Modality(), names)
	if err != nil {
		return Report{}, err
	}

	type slot struct {
		pos int
		err error
	}
	slots := make([]slot, len(targets))

	var g errgroup.Group
	workers := s.workers
	if workers <= 0 {
		workers = len(targets)
	}
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, b := range targets {
		g.Go(func() error {
			slots[i].pos, slots[i].err = s.embedAndAdd(ctx, b, in, contentID, tag)
			return nil
		})
	}
	_ = g.Wait()

	var rep Report
	log := logger.FromContext(ctx)
	for i, sl := range slots {
		if sl.err != nil {
			log.Warn("Index not updated",
				zap.String("index", targets[i].Index),
				zap.String("content_id", contentID),
				zap.Error(sl.err),
			)
			failed = append(failed, Failure{Index: targets[i].Index, Err: sl.err})
			continue
		}
		rep.Added = append(rep.Added, Added{Index: targets[i].Index, Position: sl.pos})
	}
	rep.Failed = failed

	if len(rep.Added) == 0 {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("ingest: %w", err)
		}
		return rep, fmt.Errorf("no index updated, %d failed: %w", len(rep.Failed),
			domain.ErrAllProvidersUnavailable)
	}
	return rep, nil
}

func (s *Service) resolveTargets(
	m domain.Modality, names []string,
) ([]registry.Binding, []Failure, error) {
	if len(names) == 0 {
		var targets []registry.Binding
		for _, b := range s.bindings.Bindings() {
			if b.Enabled() && b.Provider.Modalities.Has(m) {
				targets = append(targets, b)
			}
		}
		return targets, nil, nil
	}

	var targets []registry.Binding
	var failed []Failure
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		b, ok := s.bindings.Binding(name)
		if !ok {
			return nil, nil, fmt.Errorf("index %q has no provider: %w", name, domain.ErrNotFound)
		}
		switch {
		case !b.Enabled():
			failed = append(failed, Failure{Index: name,
				Err: fmt.Errorf("provider %s disabled: %w", b.Provider.Name, domain.ErrProviderUnavailable)})
		case !b.Provider.Modalities.Has(m):
			failed = append(failed, Failure{Index: name,
				Err: fmt.Errorf("provider %s does not embed %s: %w", b.Provider.Name, m, domain.ErrUnsupportedInput)})
		default:
			targets = append(targets, b)
		}
	}
	return targets, failed, nil
}

func (s *Service) embedAndAdd(
	ctx context.Context, b registry.Binding, in domain.Input, contentID, tag string,
) (int, error) {
	idx, err := s.indexes.GetOrCreate(b.Index, specOf(b.Provider))
	if err != nil {
		return 0, fmt.Errorf("open index: %w", err)
	}
	emb, err := b.Provider.Embedder.Embed(ctx, in)
	if err != nil {
		return 0, err
	}
	pos, err := idx.Add(emb.Embedding, contentID, tag)
	if err != nil {
		return 0, fmt.Errorf("add to %s: %w", b.Index, err)
	}
	observeCount(idx)
	return pos, nil
}

func specOf(p *registry.Provider) flat.Spec {
	return flat.Spec{Dimension: p.Dimension, ModelName: p.ModelName, ModelVersion: p.ModelVersion}
}

func observeCount(idx *flat.Index) {
	metrics.IndexEntries.WithLabelValues(idx.Name()).Set(float64(idx.Count()))
}
