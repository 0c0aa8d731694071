package request

import (
	"fmt"

	"github.com/guozhaokui/imgindex/internal/domain"
)

// Search parameter limits.
const (
	// MaxQueryLength is the maximum allowed text query length.
	MaxQueryLength = 4096
	DefaultTopK    = 10
	MaxTopK        = 100
)

// Limits bounds top_k. Zero fields fall back to the package defaults.
type Limits struct {
	DefaultTopK int
	MaxTopK     int
}

// Request is a validated multi-index search query.
type Request struct {
	input   domain.Input
	indexes []string
	topK    int
	rerank  bool
}

// New validates and normalizes search parameters. An empty index list means every index whose
// provider accepts the query modality. Duplicate index names are collapsed, keeping the first.
func New(in domain.Input, indexes []string, topK int, rerank bool, limits Limits) (Request, error) {
	in.Query = true
	if err := in.Validate(); err != nil {
		return Request{}, err
	}
	if len(in.Text) > MaxQueryLength {
		return Request{}, fmt.Errorf("%w: query too long (max %d chars)", domain.ErrInvalidRequest, MaxQueryLength)
	}

	topK, err := ClampTopK(topK, limits)
	if err != nil {
		return Request{}, err
	}

	var names []string
	seen := make(map[string]struct{}, len(indexes))
	for _, name := range indexes {
		if name == "" {
			return Request{}, fmt.Errorf("%w: empty index name", domain.ErrInvalidRequest)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	return Request{input: in, indexes: names, topK: topK, rerank: rerank}, nil
}

// ClampTopK applies the default to a zero top_k and caps it at the maximum. Negative values
// are rejected.
func ClampTopK(topK int, limits Limits) (int, error) {
	def, maxK := limits.DefaultTopK, limits.MaxTopK
	if def <= 0 {
		def = DefaultTopK
	}
	if maxK <= 0 {
		maxK = MaxTopK
	}
	if topK < 0 {
		return 0, fmt.Errorf("%w: top_k must not be negative", domain.ErrInvalidRequest)
	}
	if topK == 0 {
		topK = def
	}
	if topK > maxK {
		topK = maxK
	}
	return topK, nil
}

// Input returns the query payload, always in query mode.
func (r *Request) Input() domain.Input { return r.input }

// Indexes returns the explicitly requested index names, nil when none were named.
func (r *Request) Indexes() []string { return r.indexes }

// TopK returns the number of merged results to return.
func (r *Request) TopK() int { return r.topK }

// Rerank reports whether the caller asked for a rerank pass.
func (r *Request) Rerank() bool { return r.rerank }
