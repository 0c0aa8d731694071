package description

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/guozhaokui/imgindex/internal/domain"
)

const sha = "a1b2c3d4e5f60718293a4b5c6d7e8f90"

func TestText_ReadsCatalogLayout(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a1", "b2", "c3d4e5f60718293a4b5c6d7e8f90", "description")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vlm.txt"), []byte("a red car on a bridge"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := New(root).Text(context.Background(), sha, "vlm")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if got != "a red car on a bridge" {
		t.Errorf("Text = %q", got)
	}
}

func TestText_FallsBackToFirstTag(t *testing.T) {
	r := New(t.TempDir())
	if err := r.Save(sha, "user", "user caption"); err != nil {
		t.Fatal(err)
	}
	if err := r.Save(sha, "blip", "blip caption"); err != nil {
		t.Fatal(err)
	}

	got, err := r.Text(context.Background(), sha, "image")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if got != "blip caption" {
		t.Errorf("expected first tag in name order, got %q", got)
	}
}

func TestText_Missing(t *testing.T) {
	_, err := New(t.TempDir()).Text(context.Background(), sha, "vlm")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestText_RejectsUnsafeIDs(t *testing.T) {
	r := New(t.TempDir())
	for _, id := range []string{"", "ab", "../../etc", "ab/cd/ef"} {
		if _, err := r.Text(context.Background(), id, "vlm"); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("%q: expected ErrInvalidRequest, got %v", id, err)
		}
	}
}

func TestSave_Overwrites(t *testing.T) {
	r := New(t.TempDir())
	if err := r.Save(sha, "vlm", "first"); err != nil {
		t.Fatal(err)
	}
	if err := r.Save(sha, "vlm", "second"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Text(context.Background(), sha, "vlm")
	if err != nil || got != "second" {
		t.Errorf("Text = %q, %v", got, err)
	}

	tags, err := r.Tags(sha)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != "vlm" {
		t.Errorf("Tags = %v, want [vlm]", tags)
	}
	if err := r.Save(sha, "../x", "bad"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for unsafe tag, got %v", err)
	}
}

func TestSave_ConcurrentSameTag(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	texts := make(map[string]bool)
	var wg sync.WaitGroup
	for i := range 16 {
		text := fmt.Sprintf("caption %d", i)
		texts[text] = true
		wg.Go(func() {
			if err := r.Save(sha, "vlm", text); err != nil {
				t.Errorf("Save: %v", err)
			}
		})
	}
	wg.Wait()

	got, err := r.Text(context.Background(), sha, "vlm")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if !texts[got] {
		t.Errorf("Text = %q, want one of the saved captions whole", got)
	}

	dir := filepath.Join(root, "a1", "b2", "c3d4e5f60718293a4b5c6d7e8f90", "description")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only vlm.txt, got %d entries", len(entries))
	}
}
