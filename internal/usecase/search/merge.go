package search

import (
	"sort"

	"github.com/guozhaokui/imgindex/internal/db/flat"
	"github.com/guozhaokui/imgindex/internal/domain/search/result"
)

// indexHits is the deduplicated result list of one searched index.
type indexHits struct {
	index string
	model string
	hits  []flat.DedupHit
}

// mergeResults collapses per-index lists into one list keyed by content id. Each id keeps its
// highest score together with the index and model that produced it; on equal scores the
// earlier list wins. Output is ordered by score descending, then content id ascending.
func mergeResults(lists []indexHits, topK int) []result.Result {
	pos := make(map[string]int)
	var out []result.Result

	for _, l := range lists {
		for _, h := range l.hits {
			r := result.New(h.ContentID, h.Score, h.MatchedBy, l.index, l.model)
			if i, ok := pos[h.ContentID]; ok {
				if h.Score > out[i].Score() {
					out[i] = r
				}
				continue
			}
			pos[h.ContentID] = len(out)
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].ContentID() < out[j].ContentID()
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
