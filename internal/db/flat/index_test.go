package flat

import (
	"errors"
	"math"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/guozhaokui/imgindex/internal/domain"
)

func openTestIndex(t *testing.T, dim int) *Index {
	t.Helper()
	x, err := Open(t.TempDir(), "test", Spec{Dimension: dim, ModelName: "m", ModelVersion: "1"}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return x
}

func mustAdd(t *testing.T, x *Index, v []float32, id, tag string) int {
	t.Helper()
	pos, err := x.Add(v, id, tag)
	if err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	return pos
}

func TestAdd_StoresUnitVectors(t *testing.T) {
	x := openTestIndex(t, 3)
	mustAdd(t, x, []float32{3, 4, 0}, "a", "image")
	mustAdd(t, x, []float32{0.001, 0, 0}, "b", "image")

	for pos := 0; pos < x.Count(); pos++ {
		v, ok := x.Vector(pos)
		if !ok {
			t.Fatalf("Vector(%d) missing", pos)
		}
		if n := l2Norm(v); math.Abs(n-1) > 1e-5 {
			t.Errorf("row %d norm = %f, want 1", pos, n)
		}
	}
	v, _ := x.Vector(0)
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("unexpected normalized row: %v", v)
	}
}

func TestAdd_ReturnsSequentialPositions(t *testing.T) {
	x := openTestIndex(t, 2)
	for i, id := range []string{"a", "b", "c"} {
		if pos := mustAdd(t, x, []float32{1, float32(i)}, id, ""); pos != i {
			t.Errorf("Add(%s) position = %d, want %d", id, pos, i)
		}
	}
	e, ok := x.EntryAt(1)
	if !ok || e.ContentID != "b" {
		t.Errorf("EntryAt(1) = %+v, %v", e, ok)
	}
	if _, ok := x.EntryAt(3); ok {
		t.Error("EntryAt past the end must report false")
	}
}

func TestAdd_Rejects(t *testing.T) {
	x := openTestIndex(t, 3)

	_, err := x.Add([]float32{1, 2}, "a", "")
	var dme *domain.DimensionMismatchError
	if !errors.As(err, &dme) || dme.Got != 2 || dme.Want != 3 {
		t.Errorf("expected dimension mismatch 2/3, got %v", err)
	}

	if _, err := x.Add([]float32{0, 0, 0}, "a", ""); !errors.Is(err, domain.ErrZeroVector) {
		t.Errorf("expected ErrZeroVector, got %v", err)
	}
	if _, err := x.Add([]float32{1, 0, 0}, "", ""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if x.Count() != 0 {
		t.Errorf("rejected adds must not change the index, count = %d", x.Count())
	}
}

func TestSearch_SortedAndBounded(t *testing.T) {
	x := openTestIndex(t, 2)
	mustAdd(t, x, []float32{1, 0}, "east", "")
	mustAdd(t, x, []float32{0, 1}, "north", "")
	mustAdd(t, x, []float32{1, 1}, "northeast", "")
	mustAdd(t, x, []float32{-1, 0}, "west", "")

	hits, err := x.Search([]float32{1, 0.1}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if hits[0].Entry.ContentID != "east" || hits[1].Entry.ContentID != "northeast" {
		t.Errorf("unexpected order: %+v", hits)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not sorted at %d: %f > %f", i, hits[i].Score, hits[i-1].Score)
		}
	}
	for _, h := range hits {
		if h.Score < -1-1e-6 || h.Score > 1+1e-6 {
			t.Errorf("score out of range: %f", h.Score)
		}
	}

	all, err := x.Search([]float32{1, 0}, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("k beyond count must clamp, got %d hits", len(all))
	}
	if all[3].Entry.ContentID != "west" || math.Abs(all[3].Score+1) > 1e-6 {
		t.Errorf("opposite vector should score -1 last, got %+v", all[3])
	}
}

func TestSearch_TiesPreferLowerPosition(t *testing.T) {
	x := openTestIndex(t, 2)
	mustAdd(t, x, []float32{0, 1}, "other", "")
	mustAdd(t, x, []float32{2, 0}, "first", "")
	mustAdd(t, x, []float32{5, 0}, "second", "")

	hits, err := x.Search([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].Position != 1 || hits[1].Position != 2 {
		t.Errorf("equal scores must keep position order, got %+v", hits)
	}
}

func TestSearch_SelfSimilarity(t *testing.T) {
	x := openTestIndex(t, 4)
	vecs := [][]float32{{1, 2, 3, 4}, {-1, 0.5, 2, 0}, {0, 0, 1, 0}}
	for i, v := range vecs {
		mustAdd(t, x, v, string(rune('a'+i)), "")
	}
	for i, v := range vecs {
		hits, err := x.Search(v, 1)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if hits[0].Position != i {
			t.Errorf("vector %d: top hit at %d", i, hits[0].Position)
		}
		if math.Abs(hits[0].Score-1) > 1e-5 {
			t.Errorf("vector %d: self score %f, want 1", i, hits[0].Score)
		}
	}
}

func TestSearch_EmptyAndInvalid(t *testing.T) {
	x := openTestIndex(t, 3)

	hits, err := x.Search([]float32{1, 0, 0}, 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("empty index: hits=%v err=%v", hits, err)
	}

	mustAdd(t, x, []float32{1, 0, 0}, "a", "")
	if hits, _ := x.Search([]float32{1, 0, 0}, 0); len(hits) != 0 {
		t.Errorf("k=0 must return nothing, got %v", hits)
	}
	if _, err := x.Search([]float32{1, 0}, 1); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := x.Search([]float32{0, 0, 0}, 1); !errors.Is(err, domain.ErrZeroVector) {
		t.Errorf("expected ErrZeroVector, got %v", err)
	}
}

func TestSearchDeduplicated_MaxScorePerContent(t *testing.T) {
	x := openTestIndex(t, 4)
	mustAdd(t, x, []float32{1, 0, 0, 0}, "A", "vlm")
	mustAdd(t, x, []float32{0.9, 0.1, 0, 0}, "A", "user")
	mustAdd(t, x, []float32{0, 1, 0, 0}, "B", "vlm")

	hits, err := x.SearchDeduplicated([]float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchDeduplicated: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %+v", hits)
	}
	if hits[0].ContentID != "A" || hits[0].MatchedBy != "vlm" || math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("unexpected first hit: %+v", hits[0])
	}
	if hits[1].ContentID != "B" || math.Abs(hits[1].Score) > 1e-6 {
		t.Errorf("unexpected second hit: %+v", hits[1])
	}

	if _, err := x.Remove("A"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	hits, err =x.SearchDeduplicated([]float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchDeduplicated: %v", err)
	}
	if len(hits) != 1 || hits[0].ContentID != "B" {
		t.Errorf("after removal expected only B, got %+v", hits)
	}
}

func TestSearchDeduplicated_UniqueAndSorted(t *testing.T) {
	x := openTestIndex(t, 3)
	vecs := [][]float32{
		{1, 0, 0}, {0.9, 0.2, 0}, {0.8, 0.1, 0.1}, {0, 1, 0},
		{0.1, 0.9, 0}, {0, 0, 1}, {0.5, 0.5, 0}, {0.7, 0, 0.7},
	}
	ids := []string{"a", "a", "b", "b", "c", "d", "a", "e"}
	for i, v := range vecs {
		mustAdd(t, x, v, ids[i], "t")
	}

	hits, err := x.SearchDeduplicated([]float32{1, 0.1, 0}, 4)
	if err != nil {
		t.Fatalf("SearchDeduplicated: %v", err)
	}
	seen := make(map[string]bool)
	for i, h := range hits {
		if seen[h.ContentID] {
			t.Errorf("duplicate content id %s", h.ContentID)
		}
		seen[h.ContentID] = true
		if i > 0 && h.Score > hits[i-1].Score {
			t.Errorf("not sorted at %d", i)
		}
	}
	if len(hits) > 4 {
		t.Errorf("expected at most 4 hits, got %d", len(hits))
	}
}

func TestRemove_CompactsAndRenumbers(t *testing.T) {
	x := openTestIndex(t, 2)
	mustAdd(t, x, []float32{1, 0}, "a", "")
	mustAdd(t, x, []float32{0, 1}, "b", "")
	mustAdd(t, x, []float32{1, 1}, "a", "")
	mustAdd(t, x, []float32{-1, 1}, "c", "")

	n, err := x.Remove("a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if x.Count() != 2 {
		t.Fatalf("count = %d, want 2", x.Count())
	}
	for pos, want := range []string{"b", "c"} {
		e, _ := x.EntryAt(pos)
		if e.ContentID != want {
			t.Errorf("position %d = %s, want %s", pos, e.ContentID, want)
		}
	}
	hits, _ := x.Search([]float32{-1, 1}, 1)
	if hits[0].Entry.ContentID != "c" || hits[0].Position != 1 {
		t.Errorf("rows misaligned after compaction: %+v", hits[0])
	}

	n, err = x.Remove("missing")
	if err != nil || n != 0 {
		t.Errorf("removing absent id: n=%d err=%v", n, err)
	}
}

func TestContentIDs_DistinctInOrder(t *testing.T) {
	x := openTestIndex(t, 2)
	for _, id := range []string{"b", "a", "b", "c"} {
		mustAdd(t, x, []float32{1, 1}, id, "")
	}
	got := x.ContentIDs()
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

// Four-dimensional walkthrough: two entries for content A, one for B.
func TestScenario_FourDimensions(t *testing.T) {
	x := openTestIndex(t, 4)
	if pos := mustAdd(t, x, []float32{1, 0, 0, 0}, "A", "vlm"); pos != 0 {
		t.Fatalf("first add at %d", pos)
	}
	mustAdd(t, x, []float32{0, 1, 0, 0}, "B", "vlm")
	mustAdd(t, x, []float32{0.6, 0.8, 0, 0}, "A", "user")

	hits, err := x.Search([]float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	gotScores := []float64{hits[0].Score, hits[1].Score, hits[2].Score}
	wantScores := []float64{1, 0.6, 0}
	for i := range wantScores {
		if math.Abs(gotScores[i]-wantScores[i]) > 1e-6 {
			t.Errorf("score %d = %f, want %f", i, gotScores[i], wantScores[i])
		}
	}

	dedup, err := x.SearchDeduplicated([]float32{0, 1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchDeduplicated: %v", err)
	}
	if dedup[0].ContentID != "B" || math.Abs(dedup[0].Score-1) > 1e-6 {
		t.Errorf("unexpected first: %+v", dedup[0])
	}
	if dedup[1].ContentID != "A" || dedup[1].MatchedBy != "user" || math.Abs(dedup[1].Score-0.8) > 1e-6 {
		t.Errorf("unexpected second: %+v", dedup[1])
	}
}

func TestSearch_ConcurrentReaders(t *testing.T) {
	x := openTestIndex(t, 3)
	for i := 0; i < 20; i++ {
		mustAdd(t, x, []float32{float32(i), 1, 2}, string(rune('a'+i)), "")
	}

	done := make(chan []float64, 8)
	for g := 0; g < 8; g++ {
		go func() {
			hits, _ := x.Search([]float32{1, 1, 1}, 5)
			scores := make([]float64, len(hits))
			for i, h := range hits {
				scores[i] = h.Score
			}
			done <- scores
		}()
	}
	for g := 0; g < 8; g++ {
		scores := <-done
		if len(scores) != 5 || !sort.IsSorted(sort.Reverse(sort.Float64Slice(scores))) {
			t.Errorf("unexpected concurrent result: %v", scores)
		}
	}
}

func TestIndex_ConcurrentWritersAndReaders(t *testing.T) {
	const dim = 3
	x := openTestIndex(t, dim)
	for i := 0; i < 10; i++ {
		mustAdd(t, x, []float32{float32(i), 1, 2}, fmt.Sprintf("seed-%d", i), "")
	}

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Go(func() {
			for i := 0; i < 15; i++ {
				id := fmt.Sprintf("w%d-%d", w, i%5)
				if _, err := x.Add([]float32{1, float32(i), float32(w)}, id, "caption"); err != nil {
					t.Errorf("Add(%s): %v", id, err)
				}
			}
		})
	}
	wg.Go(func() {
		for i := 0; i < 10; i++ {
			if _, err := x.Remove(fmt.Sprintf("seed-%d", i)); err != nil {
				t.Errorf("Remove: %v", err)
			}
		}
	})
	for r := 0; r < 4; r++ {
		wg.Go(func() {
			for i := 0; i < 30; i++ {
				hits, err := x.Search([]float32{1, 1, 1}, 5)
				if err != nil {
					t.Errorf("Search: %v", err)
					return
				}
				for j := 1; j < len(hits); j++ {
					if hits[j].Score > hits[j-1].Score {
						t.Errorf("unsorted hits: %+v", hits)
					}
				}
				dedup, err := x.SearchDeduplicated([]float32{1, 0, 1}, 5)
				if err != nil {
					t.Errorf("SearchDeduplicated: %v", err)
					return
				}
				seen := make(map[string]bool)
				for _, h := range dedup {
					if seen[h.ContentID] {
						t.Errorf("duplicate content id %s", h.ContentID)
					}
					seen[h.ContentID] = true
				}
				_ = x.Count()
			}
		})
	}
	wg.Wait()

	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.entries)*dim != len(x.matrix) {
		t.Fatalf("entries (%d) and matrix (%d floats) out of step", len(x.entries), len(x.matrix))
	}
	if len(x.entries) != 30 {
		t.Errorf("count = %d, want 30 writer rows after removing every seed", len(x.entries))
	}
	for i := range x.entries {
		if n := l2Norm(x.matrix[i*dim : (i+1)*dim]); math.Abs(n-1) > 1e-5 {
			t.Errorf("row %d norm = %f", i, n)
		}
	}
}
