package result

import "testing"

func TestNew(t *testing.T) {
	r := New("abc123", 0.87, "vlm", "text_qwen", "qwen3-embedding")

	if r.ContentID() != "abc123" {
		t.Errorf("ContentID() = %q", r.ContentID())
	}
	if r.Score() != 0.87 {
		t.Errorf("Score() = %f", r.Score())
	}
	if r.MatchedBy() != "vlm" {
		t.Errorf("MatchedBy() = %q", r.MatchedBy())
	}
	if r.IndexName() != "text_qwen" || r.ModelName() != "qwen3-embedding" {
		t.Errorf("IndexName/ModelName = %q/%q", r.IndexName(), r.ModelName())
	}
	if r.VectorScore() != nil || r.RerankScore() != nil {
		t.Error("rerank fields must be unset on a fresh result")
	}
}

func TestWithRerank(t *testing.T) {
	r := New("abc", 0.6, "image", "img", "siglip")
	rr := r.WithRerank(0.95)

	if rr.Score() != 0.95 {
		t.Errorf("Score() = %f, want rerank score", rr.Score())
	}
	if rr.VectorScore() == nil || *rr.VectorScore() != 0.6 {
		t.Errorf("VectorScore() = %v", rr.VectorScore())
	}
	if rr.RerankScore() == nil || *rr.RerankScore() != 0.95 {
		t.Errorf("RerankScore() = %v", rr.RerankScore())
	}
	if r.Score() != 0.6 || r.VectorScore() != nil {
		t.Error("WithRerank must not mutate the receiver")
	}
}
