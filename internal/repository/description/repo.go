package description

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/guozhaokui/imgindex/internal/domain"
)

const descriptionDir = "description"

var (
	contentIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{5,}$`)
	tagPattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// Repo reads and writes the description texts the image catalog keeps next to each image:
// <root>/<id[0:2]>/<id[2:4]>/<id[4:]>/description/<tag>.txt.
type Repo struct {
	root string
}

// New creates a description repository rooted at dir.
func New(root string) *Repo {
	return &Repo{root: root}
}

// Text returns the description stored under tag. When that tag has no file (an image match,
// say) the first description in name order is used instead.
func (r *Repo) Text(ctx context.Context, contentID, tag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := r.dir(contentID)
	if err != nil {
		return "", err
	}

	if tagPattern.MatchString(tag) {
		data, err := os.ReadFile(filepath.Join(dir, tag+".txt"))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read description %s/%s: %w", contentID, tag, err)
		}
	}

	tags, err := r.tags(dir)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", fmt.Errorf("description %s: %w", contentID, domain.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(dir, tags[0]+".txt"))
	if err != nil {
		return "", fmt.Errorf("read description %s/%s: %w", contentID, tags[0], err)
	}
	return string(data), nil
}

// Tags lists the description tags stored for a content id, sorted.
func (r *Repo) Tags(contentID string) ([]string, error) {
	dir, err := r.dir(contentID)
	if err != nil {
		return nil, err
	}
	return r.tags(dir)
}

// Save writes a description text, replacing any previous one under the same tag.
func (r *Repo) Save(contentID, tag, text string) error {
	dir, err := r.dir(contentID)
	if err != nil {
		return err
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("%w: invalid description tag %q", domain.ErrInvalidRequest, tag)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create description dir: %w", err)
	}
	// Unique temp names keep concurrent saves of the same tag from sharing a file.
	tmp, err := os.CreateTemp(dir, "."+tag+".tmp-*")
	if err != nil {
		return fmt.Errorf("write description %s/%s: %w", contentID, tag, err)
	}
	tmpName := tmp.Name()
	_, err = tmp.WriteString(text)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, filepath.Join(dir, tag+".txt"))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write description %s/%s: %w", contentID, tag, err)
	}
	return nil
}

func (r *Repo) dir(contentID string) (string, error) {
	if !contentIDPattern.MatchString(contentID) {
		return "", fmt.Errorf("%w: content id %q cannot address a description", domain.ErrInvalidRequest, contentID)
	}
	return filepath.Join(r.root, contentID[:2], contentID[2:4], contentID[4:], descriptionDir), nil
}

func (r *Repo) tags(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list descriptions: %w", err)
	}
	var tags []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		tags = append(tags, strings.TrimSuffix(name, ".txt"))
	}
	sort.Strings(tags)
	return tags, nil
}
