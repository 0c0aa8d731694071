package embcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/db"
	"github.com/guozhaokui/imgindex/internal/domain"
)

func TestEmbed_CacheMiss(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{
		Embedding:    []float32{0.1, 0.2, 0.3},
		PromptTokens: 10,
		TotalTokens:  10,
	}}
	ce, ms := newTestCachedEmbedder(t, inner)
	ctx := context.Background()

	// GET → ErrKeyNotFound (cache miss)
	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return nil, db.ErrKeyNotFound
	}

	// SET → OK (cache put)
	var setKey string
	var setTTL time.Duration
	ms.setFn = func(_ context.Context, key string, _ []byte, ttl time.Duration) error {
		setKey, setTTL = key, ttl
		return nil
	}

	result, err := ce.Embed(ctx, domain.TextInput("test text", true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Embedding) != 3 || result.Embedding[0] != 0.1 {
		t.Fatalf("unexpected vector: %v", result.Embedding)
	}
	if result.TotalTokens != 10 {
		t.Fatalf("expected TotalTokens=10, got %d", result.TotalTokens)
	}
	if !strings.HasPrefix(setKey, DefaultKeyPrefix) {
		t.Fatalf("expected SET under %q, got %q", DefaultKeyPrefix, setKey)
	}
	if setTTL != time.Hour {
		t.Errorf("expected configured TTL, got %v", setTTL)
	}
}

func TestEmbed_CacheHit(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{
		Embedding: []float32{0.1, 0.2, 0.3},
	}}
	ce, ms := newTestCachedEmbedder(t, inner)
	ctx := context.Background()

	cached := vectorToCacheBytes([]float32{0.4, 0.5, 0.6})
	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return cached, nil
	}

	result, err := ce.Embed(ctx, domain.ImageInput([]byte{1, 2, 3}, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 0 {
		t.Error("inner embedder must not be called on a hit")
	}
	if len(result.Embedding) != 3 || result.Embedding[0] != 0.4 {
		t.Fatalf("unexpected vector: %v", result.Embedding)
	}
	if result.TotalTokens != 0 {
		t.Errorf("cache hit must report zero tokens, got %d", result.TotalTokens)
	}
	if result.ModelName != "siglip2" || result.ModelVersion != "1" {
		t.Errorf("cache hit must carry model identity, got %q/%q", result.ModelName, result.ModelVersion)
	}
}

func TestEmbed_InnerError(t *testing.T) {
	inner := &mockEmbedder{err: domain.ErrProviderUnavailable}
	ce, ms := newTestCachedEmbedder(t, inner)

	var setCalled bool
	ms.setFn = func(context.Context, string, []byte, time.Duration) error {
		setCalled = true
		return nil
	}

	_, err := ce.Embed(context.Background(), domain.TextInput("x", true))
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if setCalled {
		t.Error("failed embeddings must not be cached")
	}
}

func TestEmbed_StoreFailuresAreNotFatal(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{Embedding: []float32{1, 2}}}
	ce, ms := newTestCachedEmbedder(t, inner)
	ms.getFn = func(context.Context, string) ([]byte, error) { return nil, errors.New("conn refused") }
	ms.setFn = func(context.Context, string, []byte, time.Duration) error { return errors.New("conn refused") }

	result, err := ce.Embed(context.Background(), domain.TextInput("x", true))
	if err != nil {
		t.Fatalf("cache failures must fall back to the provider, got %v", err)
	}
	if len(result.Embedding) != 2 || inner.calls != 1 {
		t.Errorf("unexpected result %v after %d calls", result.Embedding, inner.calls)
	}
}

func TestEmbed_CorruptEntryIsMiss(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{Embedding: []float32{1}}}
	ce, ms := newTestCachedEmbedder(t, inner)
	ms.getFn = func(context.Context, string) ([]byte, error) { return []byte{1, 2, 3}, nil }

	if _, err := ce.Embed(context.Background(), domain.TextInput("x", true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Error("corrupt entries must be treated as misses")
	}
}

func TestEmbed_RoundTripCountsHits(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cache_total"}, []string{"result"})
	inner := &mockEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.25, -1}}}
	ce := New(inner, memKVStore{}, testOptions(), counter, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := ce.Embed(ctx, domain.TextInput("same", true))
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if res.Embedding[0] != 0.25 || res.Embedding[1] != -1 {
			t.Fatalf("unexpected vector %v", res.Embedding)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected one provider call, got %d", inner.calls)
	}
	if hits := testutil.ToFloat64(counter.WithLabelValues("hit")); hits != 2 {
		t.Errorf("hits = %f, want 2", hits)
	}
	if misses := testutil.ToFloat64(counter.WithLabelValues("miss")); misses != 1 {
		t.Errorf("misses = %f, want 1", misses)
	}
}

func TestCacheKey_SeparatesInputs(t *testing.T) {
	ce := New(&mockEmbedder{}, memKVStore{}, testOptions(), nil, zap.NewNop())
	other := New(&mockEmbedder{}, memKVStore{}, Options{ModelName: "siglip2", ModelVersion: "2"}, nil, zap.NewNop())

	keys := map[string]string{
		"query":    ce.cacheKey(domain.TextInput("cat", true)),
		"document": ce.cacheKey(domain.TextInput("cat", false)),
		"other":    ce.cacheKey(domain.TextInput("dog", true)),
		"image":    ce.cacheKey(domain.ImageInput([]byte("cat"), true)),
		"version":  other.cacheKey(domain.TextInput("cat", true)),
	}
	seen := make(map[string]string)
	for name, k := range keys {
		if prev, dup := seen[k]; dup {
			t.Errorf("%s and %s share cache key %s", name, prev, k)
		}
		seen[k] = name
	}
	if ce.cacheKey(domain.TextInput("cat", true)) != keys["query"] {
		t.Error("cache key must be deterministic")
	}
}
