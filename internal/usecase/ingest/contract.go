package ingest

import (
	"github.com/guozhaokui/imgindex/internal/db/flat"
	"github.com/guozhaokui/imgindex/internal/registry"
)

// IndexStore opens, creates and enumerates indexes.
type IndexStore interface {
	GetOrCreate(name string, spec flat.Spec) (*flat.Index, error)
	Get(name string) (*flat.Index, error)
	List() ([]flat.Meta, error)
}

// Bindings resolves indexes to the providers that produce their vectors.
type Bindings interface {
	Binding(index string) (registry.Binding, bool)
	Bindings() []registry.Binding
}

// DescriptionWriter keeps the text that was embedded so rerankers can score it later.
type DescriptionWriter interface {
	Save(contentID, tag, text string) error
}
