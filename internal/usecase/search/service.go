package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/domain/search/request"
	"github.com/guozhaokui/imgindex/internal/domain/search/result"
	"github.com/guozhaokui/imgindex/internal/logger"
	"github.com/guozhaokui/imgindex/internal/metrics"
	"github.com/guozhaokui/imgindex/internal/registry"
)

// Reasons an index is left out of a search.
const (
	ReasonUnsupportedInput    = "unsupported_input"
	ReasonProviderDisabled    = "provider_disabled"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonDimensionMismatch   = "dimension_mismatch"
	ReasonIndexError          = "index_error"
)

// IndexRef names an index that contributed to a search.
type IndexRef struct {
	Index string
	Model string
}

// Skip records an index that was not searched and why.
type Skip struct {
	Index  string
	Reason string
}

// Response is the merged outcome of a multi-index search.
type Response struct {
	Results  []result.Result
	Searched []IndexRef
	Skipped  []Skip
	Reranked bool
}

// Service fans a query out over several indexes, each embedded by its own provider, and
// merges the per-index results into one ranking.
type Service struct {
	indexes   IndexStore
	bindings  Bindings
	rerankers registry.Rerankers
	texts     TextResolver
	workers   int
}

// New creates a search service. workers bounds concurrent per-index searches; zero means one
// worker per target index.
func New(
	indexes IndexStore, bindings Bindings,
	rerankers registry.Rerankers, texts TextResolver, workers int,
) *Service {
	return &Service{
		indexes:   indexes,
		bindings:  bindings,
		rerankers: rerankers,
		texts:     texts,
		workers:   workers,
	}
}

// outcome is the result of searching one target index.
type outcome struct {
	hits   indexHits
	reason string
	err    error
}

// Search embeds the query once per target index, searches each index, merges the lists and
// optionally reranks the merged set.
func (s *Service) Search(ctx context.Context, req *request.Request) (Response, error) {
	start := time.Now()
	in := req.Input()
	modality := string(in.Modality())

	resp, err := s.search(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchDuration.WithLabelValues(modality, status).Observe(time.Since(start).Seconds())
	return resp, err
}

func (s *Service) search(ctx context.Context, req *request.Request) (Response, error) {
	log := logger.FromContext(ctx)
	in := req.Input()

	targets, skipped, err := s.resolveTargets(in.Modality(), req.Indexes())
	if err != nil {
		return Response{}, err
	}

	outcomes := make([]outcome, len(targets))
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
			outcomes[i] = s.searchOne(ctx, b, in, req.TopK())
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("search: %w", err)
	}

	var resp Response
	var lists []indexHits
	for i, o := range outcomes {
		if o.reason != "" {
			log.Warn("Index skipped",
				zap.String("index", targets[i].Index),
				zap.String("reason", o.reason),
				zap.Error(o.err),
			)
			skipped = append(skipped, Skip{Index: targets[i].Index, Reason: o.reason})
			continue
		}
		lists = append(lists, o.hits)
		resp.Searched = append(resp.Searched, IndexRef{Index: o.hits.index, Model: o.hits.model})
	}
	for _, sk := range skipped {
		metrics.SearchSkippedTotal.WithLabelValues(sk.Index, sk.Reason).Inc()
	}
	resp.Skipped = skipped

	if len(lists) == 0 {
		return resp, fmt.Errorf("no index searched, %d skipped: %w", len(resp.Skipped),
			domain.ErrAllProvidersUnavailable)
	}

	resp.Results = mergeResults(lists, req.TopK())

	if req.Rerank() && in.Modality() == domain.ModalityText && len(resp.Results) > 0 {
		resp.Results, resp.Reranked = s.rerank(ctx, in.Text, resp.Results)
	}

	log.Debug("Search completed",
		zap.Int("searched", len(resp.Searched)),
		zap.Int("skipped", len(resp.Skipped)),
		zap.Int("results", len(resp.Results)),
		zap.Bool("reranked", resp.Reranked),
	)
	return resp, nil
}

// resolveTargets picks the indexes to search. Named indexes keep the caller's order; without
// names every enabled index that accepts the modality is used in configured order.
func (s *Service) resolveTargets(
	m domain.Modality, names []string,
) ([]registry.Binding, []Skip, error) {
	if len(names) == 0 {
		return s.bindings.ForModality(m), nil, nil
	}

	var targets []registry.Binding
	var skipped []Skip
	for _, name := range names {
		b, ok := s.bindings.Binding(name)
		if !ok {
			return nil, nil, fmt.Errorf("index %q: %w", name, domain.ErrNotFound)
		}
		switch {
		case !b.Enabled():
			skipped = append(skipped, Skip{Index: name, Reason: ReasonProviderDisabled})
		case !b.Provider.Modalities.Has(m):
			skipped = append(skipped, Skip{Index: name, Reason: ReasonUnsupportedInput})
		default:
			targets = append(targets, b)
		}
	}
	return targets, skipped, nil
}

// searchOne runs the embed-then-search pipeline for a single index. Failures become skip
// reasons so one broken provider never fails the whole query. The query is embedded before
// the index is opened, so an index with no files yet still needs a working provider to
// count as searched.
func (s *Service) searchOne(ctx context.Context, b registry.Binding, in domain.Input, topK int) outcome {
	hits := indexHits{index: b.Index, model: b.Provider.ModelName}

	emb, err := b.Provider.Embedder.Embed(ctx, in)
	switch {
	case errors.Is(err, domain.ErrDimensionMismatch):
		return outcome{reason: ReasonDimensionMismatch, err: err}
	case err != nil:
		return outcome{reason: ReasonProviderUnavailable, err: err}
	}

	idx, err := s.indexes.Get(b.Index)
	if errors.Is(err, domain.ErrNotFound) {
		return outcome{hits: hits}
	}
	if err != nil {
		return outcome{reason: ReasonIndexError, err: err}
	}
	if m := idx.Meta().ModelName; m != "" {
		hits.model = m
	}

	found, err := idx.SearchDeduplicated(emb.Embedding, topK)
	switch {
	case errors.Is(err, domain.ErrDimensionMismatch):
		return outcome{reason: ReasonDimensionMismatch, err: err}
	case err != nil:
		return outcome{reason: ReasonIndexError, err: err}
	}
	hits.hits = found
	return outcome{hits: hits}
}
