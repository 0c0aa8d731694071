package health

import "context"

// CachePinger checks embedding cache availability.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// Checker checks one provider or reranker.
type Checker interface {
	HealthCheck(ctx context.Context) error
}
