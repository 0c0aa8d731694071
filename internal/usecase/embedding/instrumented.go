package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/domain"
)

// InstrumentedEmbedder wraps an Embedder with logging, output dimension checks and model
// identity defaults. Transport metrics (requests, duration, tokens) are recorded in the
// transports themselves.
type InstrumentedEmbedder struct {
	inner     domain.Embedder
	provider  string
	model     string
	version   string
	dimension int
	logger    *zap.Logger
}

// NewInstrumentedEmbedder wraps an embedder. dimension is the expected vector length; zero
// disables the check.
func NewInstrumentedEmbedder(
	inner domain.Embedder, provider, model, version string, dimension int, logger *zap.Logger,
) *InstrumentedEmbedder {
	return &InstrumentedEmbedder{
		inner:     inner,
		provider:  provider,
		model:     model,
		version:   version,
		dimension: dimension,
		logger:    logger,
	}
}

// Embed delegates to the inner embedder and validates the result.
func (p *InstrumentedEmbedder) Embed(
	ctx context.Context, in domain.Input,
) (domain.EmbeddingResult, error) {
	start := time.Now()

	result, err := p.inner.Embed(ctx, in)

	duration := time.Since(start)

	if err != nil {
		p.logger.Error("Embedding request failed",
			zap.String("provider", p.provider),
			zap.String("model", p.model),
			zap.String("modality", string(in.Modality())),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return domain.EmbeddingResult{}, fmt.Errorf("embed with %s: %w", p.provider, err)
	}

	if p.dimension > 0 && len(result.Embedding) != p.dimension {
		p.logger.Error("Embedding has unexpected dimension",
			zap.String("provider", p.provider),
			zap.Int("got", len(result.Embedding)),
			zap.Int("want", p.dimension),
		)
		return domain.EmbeddingResult{}, fmt.Errorf("embed with %s: %w",
			p.provider, domain.NewDimensionMismatch(len(result.Embedding), p.dimension))
	}

	domain.UsageFromContext(ctx).AddTokens(result.TotalTokens)

	if result.ModelName == "" {
		result.ModelName = p.model
	}
	if result.ModelVersion == "" {
		result.ModelVersion = p.version
	}

	p.logger.Debug("Embedding request completed",
		zap.String("provider", p.provider),
		zap.String("model", result.ModelName),
		zap.String("modality", string(in.Modality())),
		zap.Bool("query", in.Query),
		zap.Duration("duration", duration),
		zap.Int("dimensions", len(result.Embedding)),
		zap.Int("total_tokens", result.TotalTokens),
	)

	return result, nil
}
