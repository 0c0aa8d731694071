package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/domain/search/result"
	"github.com/guozhaokui/imgindex/internal/logger"
	"github.com/guozhaokui/imgindex/internal/metrics"
)

// rerank tries each reranker in priority order and applies the first valid answer. When every
// reranker fails the input is returned unchanged with ok=false.
func (s *Service) rerank(ctx context.Context, query string, results []result.Result) ([]result.Result, bool) {
	log := logger.FromContext(ctx)
	docs := s.documents(ctx, results)

	for _, rr := range s.rerankers {
		scores, err := rr.Reranker.Rerank(ctx, query, docs)
		if err == nil {
			err = checkPermutation(scores, len(results))
		}
		if err != nil {
			metrics.RerankTotal.WithLabelValues(rr.Name, "error").Inc()
			log.Warn("Reranker failed, trying next",
				zap.String("reranker", rr.Name),
				zap.Int("candidates", len(results)),
				zap.Error(err),
			)
			continue
		}
		metrics.RerankTotal.WithLabelValues(rr.Name, "ok").Inc()

		out := make([]result.Result, len(scores))
		for i, sc := range scores {
			out[i] = results[sc.Index].WithRerank(sc.Score)
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Score() != out[j].Score() {
				return out[i].Score() > out[j].Score()
			}
			return *out[i].VectorScore() > *out[j].VectorScore()
		})
		return out, true
	}

	if len(s.rerankers) > 0 {
		log.Warn("All rerankers failed, returning vector order", zap.Int("rerankers", len(s.rerankers)))
	}
	return results, false
}

// documents resolves the rerank text of every candidate. Missing text becomes "".
func (s *Service) documents(ctx context.Context, results []result.Result) []string {
	docs := make([]string, len(results))
	if s.texts == nil {
		return docs
	}
	for i := range results {
		text, err := s.texts.Text(ctx, results[i].ContentID(), results[i].MatchedBy())
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				logger.FromContext(ctx).Debug("Rerank text unavailable",
					zap.String("content_id", results[i].ContentID()),
					zap.Error(err),
				)
			}
			continue
		}
		docs[i] = text
	}
	return docs
}

// checkPermutation requires scores to reference every candidate exactly once.
func checkPermutation(scores []domain.RerankScore, n int) error {
	if len(scores) != n {
		return fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), n)
	}
	seen := make([]bool, n)
	for _, sc := range scores {
		if sc.Index < 0 || sc.Index >= n {
			return fmt.Errorf("reranker index %d out of range [0,%d)", sc.Index, n)
		}
		if seen[sc.Index] {
			return fmt.Errorf("reranker returned index %d twice", sc.Index)
		}
		seen[sc.Index] = true
	}
	return nil
}
