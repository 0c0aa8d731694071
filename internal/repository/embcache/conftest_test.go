package embcache

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/db"
	"github.com/guozhaokui/imgindex/internal/domain"
)

type mockEmbedder struct {
	result domain.EmbeddingResult
	err    error
	calls  int
}

func (m *mockEmbedder) Embed(_ context.Context, _ domain.Input) (domain.EmbeddingResult, error) {
	m.calls++
	return m.result, m.err
}

// mockKVStore implements the consumer interface for tests.
type mockKVStore struct {
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func (m *mockKVStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value, ttl)
	}
	return nil
}

// memKVStore is an in-memory store for round-trip tests.
type memKVStore map[string][]byte

func (m memKVStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (m memKVStore) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	m[key] = value
	return nil
}

func testOptions() Options {
	return Options{ModelName: "siglip2", ModelVersion: "1", TTL: time.Hour}
}

func newTestCachedEmbedder(t *testing.T, inner *mockEmbedder) (*CachedEmbedder, *mockKVStore) {
	t.Helper()
	ms := &mockKVStore{}
	ce := New(inner, ms, testOptions(), nil, zap.NewNop())
	return ce, ms
}
