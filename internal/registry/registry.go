// Package registry binds configured embedding providers to the indexes they feed and keeps
// the ordered reranker chain. It is built once at startup and read-only afterwards.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/guozhaokui/imgindex/internal/domain"
)

// Kind is the transport family of an embedding provider.
type Kind string

const (
	// KindModelService is a self-hosted embedding HTTP service.
	KindModelService Kind = "model_service"
	// KindOpenAI is an OpenAI-compatible embeddings API.
	KindOpenAI Kind = "openai"
)

// IsValid reports whether k is a known provider kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindModelService, KindOpenAI:
		return true
	}
	return false
}

// Modalities is the set of input kinds a provider can embed.
type Modalities uint8

const (
	// Text accepts domain.ModalityText.
	Text Modalities = 1 << iota
	// Image accepts domain.ModalityImage.
	Image
)

// ParseModalities converts config names ("text", "image") into a set.
func ParseModalities(names []string) (Modalities, error) {
	var m Modalities
	for _, n := range names {
		switch domain.Modality(strings.ToLower(strings.TrimSpace(n))) {
		case domain.ModalityText:
			m |= Text
		case domain.ModalityImage:
			m |= Image
		default:
			return 0, fmt.Errorf("unknown modality %q", n)
		}
	}
	return m, nil
}

// Has reports whether the set contains modality.
func (m Modalities) Has(modality domain.Modality) bool {
	switch modality {
	case domain.ModalityText:
		return m&Text != 0
	case domain.ModalityImage:
		return m&Image != 0
	}
	return false
}

func (m Modalities) String() string {
	var parts []string
	if m&Text != 0 {
		parts = append(parts, string(domain.ModalityText))
	}
	if m&Image != 0 {
		parts = append(parts, string(domain.ModalityImage))
	}
	return strings.Join(parts, ",")
}

// Provider is one configured embedding model.
type Provider struct {
	Name         string
	Kind         Kind
	ModelName    string
	ModelVersion string
	Dimension    int
	Modalities   Modalities
	Enabled      bool
	Embedder     domain.Embedder
	Health       domain.HealthChecker
}

// Binding attaches an index to the provider that produces its vectors.
type Binding struct {
	Index    string
	Provider *Provider
}

// Enabled reports whether the bound provider may be called.
func (b Binding) Enabled() bool { return b.Provider.Enabled }

// IndexBinding is the unresolved form read from configuration.
type IndexBinding struct {
	Index    string
	Provider string
}

// Registry resolves index names to providers.
type Registry struct {
	providers []*Provider
	byName    map[string]*Provider
	bindings  []Binding
	byIndex   map[string]int
}

// New validates providers and bindings. Bindings keep their given order, which is the default
// search target order.
func New(providers []Provider, bindings []IndexBinding) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Provider, len(providers)),
		byIndex: make(map[string]int, len(bindings)),
	}
	for i := range providers {
		p := providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		if !p.Kind.IsValid() {
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.Dimension <= 0 {
			return nil, fmt.Errorf("provider %q: dimension must be positive", p.Name)
		}
		if p.Modalities == 0 {
			return nil, fmt.Errorf("provider %q: at least one modality is required", p.Name)
		}
		if p.Enabled && p.Embedder == nil {
			return nil, fmt.Errorf("provider %q: enabled without an embedder", p.Name)
		}
		r.providers = append(r.providers, &p)
		r.byName[p.Name] = &p
	}

	for _, b := range bindings {
		if _, dup := r.byIndex[b.Index]; dup {
			return nil, fmt.Errorf("index %q: bound more than once", b.Index)
		}
		p, ok := r.byName[b.Provider]
		if !ok {
			return nil, fmt.Errorf("index %q: unknown provider %q", b.Index, b.Provider)
		}
		r.byIndex[b.Index] = len(r.bindings)
		r.bindings = append(r.bindings, Binding{Index: b.Index, Provider: p})
	}
	return r, nil
}

// Binding returns the binding for an index.
func (r *Registry) Binding(index string) (Binding, bool) {
	i, ok := r.byIndex[index]
	if !ok {
		return Binding{}, false
	}
	return r.bindings[i], true
}

// Bindings returns every binding in configured order.
func (r *Registry) Bindings() []Binding {
	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// ForModality returns enabled bindings whose provider embeds the given modality.
func (r *Registry) ForModality(m domain.Modality) []Binding {
	var out []Binding
	for _, b := range r.bindings {
		if b.Enabled() && b.Provider.Modalities.Has(m) {
			out = append(out, b)
		}
	}
	return out
}

// Providers returns every configured provider sorted by name.
func (r *Registry) Providers() []*Provider {
	out := make([]*Provider, len(r.providers))
	copy(out, r.providers)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NamedReranker is one entry of the rerank chain.
type NamedReranker struct {
	Name     string
	Reranker domain.Reranker
	Health   domain.HealthChecker
}

// Rerankers is the rerank chain in priority order; the first successful reranker wins.
type Rerankers []NamedReranker
