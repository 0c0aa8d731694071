package search

import (
	"context"

	"github.com/guozhaokui/imgindex/internal/db/flat"
	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/registry"
)

// IndexStore opens indexes by name.
type IndexStore interface {
	Get(name string) (*flat.Index, error)
}

// Bindings resolves indexes to the providers that embed their queries.
type Bindings interface {
	Binding(index string) (registry.Binding, bool)
	ForModality(m domain.Modality) []registry.Binding
}

// TextResolver returns the document text a reranker scores for a content id. The tag selects
// which stored text (for example a caption variant) to read.
type TextResolver interface {
	Text(ctx context.Context, contentID, tag string) (string, error)
}
