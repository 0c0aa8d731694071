package search

import (
	"context"
	"fmt"

	"github.com/guozhaokui/imgindex/internal/domain/search/result"
)

// SearchIndex runs a raw vector query against one index. With dedup every content id appears
// at most once; without it every matching row is returned and MatchedBy is the row's tag.
func (s *Service) SearchIndex(
	_ context.Context, index string, vector []float32, topK int, dedup bool,
) ([]result.Result, error) {
	idx, err := s.indexes.Get(index)
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}
	model := idx.Meta().ModelName

	if dedup {
		hits, err := idx.SearchDeduplicated(vector, topK)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", index, err)
		}
		out := make([]result.Result, len(hits))
		for i, h := range hits {
			out[i] = result.New(h.ContentID, h.Score, h.MatchedBy, index, model)
		}
		return out, nil
	}

	hits, err := idx.Search(vector, topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	out := make([]result.Result, len(hits))
	for i, h := range hits {
		out[i] = result.New(h.Entry.ContentID, h.Score, h.Entry.Tag, index, model)
	}
	return out, nil
}
