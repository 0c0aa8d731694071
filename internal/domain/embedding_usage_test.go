package domain

import (
	"context"
	"sync"
	"testing"
)

func TestEmbeddingUsage_ConcurrentAdds(t *testing.T) {
	ctx, usage := NewContextWithUsage(context.Background())

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			UsageFromContext(ctx).AddTokens(3)
		})
	}
	wg.Wait()

	if total, used := usage.Tokens(); !used || total != 24 {
		t.Errorf("Tokens() = %d, %v; want 24, true", total, used)
	}
}

func TestEmbeddingUsage_CacheHitCountsAsUsed(t *testing.T) {
	ctx, usage := NewContextWithUsage(context.Background())
	UsageFromContext(ctx).AddTokens(0)
	if total, used := usage.Tokens(); !used || total != 0 {
		t.Errorf("Tokens() = %d, %v; want 0, true", total, used)
	}
}

func TestEmbeddingUsage_NilSafe(t *testing.T) {
	u := UsageFromContext(context.Background())
	u.AddTokens(5)
	if _, used := u.Tokens(); used {
		t.Error("nil collector must report unused")
	}
}
