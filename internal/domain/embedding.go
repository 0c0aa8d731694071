package domain

import (
	"context"
	"fmt"
)

// Modality is the kind of input an embedding provider accepts.
type Modality string

const (
	// ModalityText is plain text input.
	ModalityText Modality = "text"
	// ModalityImage is encoded image bytes.
	ModalityImage Modality = "image"
)

// Input is the payload handed to an embedding provider. Exactly one of Text or Image is set.
type Input struct {
	Text  string
	Image []byte
	// Query marks search queries; providers with asymmetric encoders embed them differently
	// from stored documents.
	Query bool
}

// TextInput returns a text input.
func TextInput(text string, query bool) Input {
	return Input{Text: text, Query: query}
}

// ImageInput returns an image input.
func ImageInput(image []byte, query bool) Input {
	return Input{Image: image, Query: query}
}

// Modality reports which kind of input this is.
func (in Input) Modality() Modality {
	if len(in.Image) > 0 {
		return ModalityImage
	}
	return ModalityText
}

// Validate checks that exactly one payload is present.
func (in Input) Validate() error {
	switch {
	case in.Text == "" && len(in.Image) == 0:
		return fmt.Errorf("%w: empty input", ErrInvalidRequest)
	case in.Text != "" && len(in.Image) > 0:
		return fmt.Errorf("%w: input has both text and image", ErrInvalidRequest)
	}
	return nil
}

// Embedder is the embedding provider contract shared between layers.
type Embedder interface {
	Embed(ctx context.Context, in Input) (EmbeddingResult, error)
}

// HealthChecker verifies provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EmbeddingResult carries the vector and the identity of the model that produced it.
type EmbeddingResult struct {
	Embedding    []float32
	ModelName    string
	ModelVersion string
	PromptTokens int
	TotalTokens  int
}

// RerankScore is one reranker verdict over the candidate list it was given.
type RerankScore struct {
	// Index is the position of the document in the request.
	Index int
	Score float64
}

// Reranker reorders an already retrieved candidate set. It never adds or drops candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]RerankScore, error)
}

// InstructionEmbedder prepends a task instruction to text queries before embedding.
// Document inputs and images pass through untouched.
type InstructionEmbedder struct {
	inner       Embedder
	instruction string
}

// NewInstructionEmbedder creates a decorator that prepends instruction text to queries.
func NewInstructionEmbedder(inner Embedder, instruction string) *InstructionEmbedder {
	return &InstructionEmbedder{inner: inner, instruction: instruction}
}

// Embed prepends the instruction to text queries and delegates to the inner embedder.
func (e *InstructionEmbedder) Embed(ctx context.Context, in Input) (EmbeddingResult, error) {
	if in.Query && in.Modality() == ModalityText {
		in.Text = e.instruction + in.Text
	}
	result, err := e.inner.Embed(ctx, in)
	if err != nil {
		return EmbeddingResult{}, fmt.Errorf("instruction embed: %w", err)
	}
	return result, nil
}
