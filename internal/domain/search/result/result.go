package result

// Result is a single merged search hit.
type Result struct {
	contentID   string
	score       float64
	matchedBy   string
	indexName   string
	modelName   string
	vectorScore *float64
	rerankScore *float64
}

// New creates a search result scored by vector similarity only.
func New(contentID string, score float64, matchedBy, indexName, modelName string) Result {
	return Result{
		contentID: contentID, score: score, matchedBy: matchedBy,
		indexName: indexName, modelName: modelName,
	}
}

// WithRerank returns a copy scored by the reranker, keeping the vector score alongside.
func (r Result) WithRerank(score float64) Result {
	vs := r.score
	rs := score
	r.vectorScore = &vs
	r.rerankScore = &rs
	r.score = score
	return r
}

// ContentID returns the content identifier.
func (r *Result) ContentID() string { return r.contentID }

// Score returns the final relevance score.
func (r *Result) Score() float64 { return r.score }

// MatchedBy returns the tag of the entry that produced the vector score.
func (r *Result) MatchedBy() string { return r.matchedBy }

// IndexName returns the index the vector score came from.
func (r *Result) IndexName() string { return r.indexName }

// ModelName returns the embedding model of that index.
func (r *Result) ModelName() string { return r.modelName }

// VectorScore returns the pre-rerank score, nil when the result was not reranked.
func (r *Result) VectorScore() *float64 { return r.vectorScore }

// RerankScore returns the reranker score, nil when the result was not reranked.
func (r *Result) RerankScore() *float64 { return r.rerankScore }
