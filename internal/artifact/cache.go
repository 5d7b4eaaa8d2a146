// Package artifact is the content-addressed artifact cache: one PNG per job
// identifier under a storage root.
//
// Writes are write-once: an artifact is staged in a temp file and then
// hard-linked into place, so readers either see the complete file or none.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ak3tsm7/sweep-render-queue/internal/identity"
)

const (
	Ext = ".png"
	// URLPrefix is where the API serves cached artifacts.
	URLPrefix = "/api/images/"
)

var (
	ErrNotFound    = errors.New("artifact: not found")
	ErrInvalidName = errors.New("artifact: invalid name")
	// ErrPersist wraps any failure to store an artifact.
	ErrPersist = errors.New("artifact: persist failed")
)

type Cache struct {
	dir string
}

// New opens (creating if needed) the cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create storage dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) Dir() string { return c.dir }

// Name is the file name of id's artifact.
func Name(id string) string { return id + Ext }

// Ref is the client-facing reference recorded on a completed job.
func Ref(id string) string { return URLPrefix + Name(id) }

// IDFromName validates a requested file name and returns the job id it names.
func IDFromName(name string) (string, error) {
	id, ok := strings.CutSuffix(name, Ext)
	if !ok || !identity.Valid(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return id, nil
}

func (c *Cache) Path(id string) string { return filepath.Join(c.dir, Name(id)) }

// Has reports whether the artifact for id is already computed.
func (c *Cache) Has(id string) (bool, error) {
	_, err := os.Stat(c.Path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("artifact: stat %s: %w", id, err)
	}
}

// Put stores the artifact for id from r. If another writer stored it first
// the existing file wins and Put still succeeds.
func (c *Cache) Put(id string, r io.Reader) error {
	tmp, err := os.CreateTemp(c.dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPersist, id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrPersist, id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrPersist, id, err)
	}

	if err := os.Link(tmp.Name(), c.Path(id)); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: link %s: %v", ErrPersist, id, err)
	}
	return nil
}

// Open returns the artifact for id. The caller closes it.
func (c *Cache) Open(id string) (*os.File, error) {
	f, err := os.Open(c.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", id, err)
	}
	return f, nil
}
