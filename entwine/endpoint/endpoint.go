// Package endpoint provides the keyed blob store the indexer persists into:
// a flat namespace of utf-8 keys over a local or in-memory filesystem.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("key not found")

// Endpoint is a keyed blob store rooted at a path of some filesystem.
type Endpoint struct {
	fs    afero.Fs
	root  string
	local bool
}

// NewLocal opens an endpoint over the OS filesystem, creating the root.
func NewLocal(root string) (*Endpoint, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating endpoint root %s: %w", root, err)
	}
	return &Endpoint{fs: fs, root: root, local: true}, nil
}

// NewMem opens an endpoint over an in-memory filesystem. Mem endpoints
// report as remote so that code paths requiring true local storage (the tmp
// endpoint) reject them.
func NewMem(root string) *Endpoint {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll(root, 0o755)
	return &Endpoint{fs: fs, root: root, local: false}
}

// NewOn opens an endpoint over a caller-supplied filesystem, so several
// endpoints can share one filesystem.
func NewOn(fs afero.Fs, root string, local bool) (*Endpoint, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating endpoint root %s: %w", root, err)
	}
	return &Endpoint{fs: fs, root: root, local: local}, nil
}

// IsLocal reports whether keys resolve to real local files.
func (e *Endpoint) IsLocal() bool { return e.local }

// Root is the endpoint's root path.
func (e *Endpoint) Root() string { return e.root }

// FullPath resolves a key to its path under the root.
func (e *Endpoint) FullPath(key string) string { return path.Join(e.root, key) }

// Get reads the full value of a key.
func (e *Endpoint) Get(key string) ([]byte, error) {
	data, err := afero.ReadFile(e.fs, e.FullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// GetRange reads value bytes in [lo, hi), or up to EOF when the value is
// shorter. Used for header previews.
func (e *Endpoint) GetRange(key string, lo, hi int64) ([]byte, error) {
	f, err := e.fs.Open(e.FullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	defer f.Close()

	if _, err := f.Seek(lo, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking %s: %w", key, err)
	}
	buf := make([]byte, hi-lo)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return buf[:n], nil
}

// Put stores a value atomically: a write to a sibling temp key followed by a
// rename. Re-puts of the same key are idempotent.
func (e *Endpoint) Put(key string, data []byte) error {
	full := e.FullPath(key)
	if dir := path.Dir(full); dir != "." {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	tmp := full + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(e.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := e.fs.Rename(tmp, full); err != nil {
		_ = e.fs.Remove(tmp)
		return fmt.Errorf("committing %s: %w", key, err)
	}
	return nil
}

// List returns the keys under the root, unordered.
func (e *Endpoint) List() ([]string, error) {
	infos, err := afero.ReadDir(e.fs, e.root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", e.root, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() {
			keys = append(keys, info.Name())
		}
	}
	return keys, nil
}

// IsHTTPDerived reports whether a path names a remote HTTP source.
func IsHTTPDerived(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// LocalHandle is a path to a locally materialized copy of an input. Release
// removes the copy when one was made.
type LocalHandle struct {
	path    string
	erase   bool
	tmp     *Endpoint
	tmpName string
}

// Path is the local path to read from.
func (h *LocalHandle) Path() string { return h.path }

// Release removes the materialized copy, if any.
func (h *LocalHandle) Release() {
	if h.erase && h.tmp != nil {
		_ = h.tmp.fs.Remove(h.tmp.FullPath(h.tmpName))
	}
}

// Localize materializes an input path for reading: already-local paths pass
// through, everything else is copied into the tmp endpoint under a
// collision-free name.
func Localize(src *Endpoint, p string, tmp *Endpoint) (*LocalHandle, error) {
	if src == nil || src.IsLocal() {
		if _, err := os.Stat(p); err == nil {
			return &LocalHandle{path: p}, nil
		}
	}

	var data []byte
	var err error
	if src != nil {
		data, err = src.Get(p)
	} else {
		data, err = os.ReadFile(p)
	}
	if err != nil {
		return nil, fmt.Errorf("materializing %s: %w", p, err)
	}

	name := uuid.NewString() + path.Ext(p)
	if err := tmp.Put(name, data); err != nil {
		return nil, err
	}
	return &LocalHandle{
		path:    tmp.FullPath(name),
		erase:   true,
		tmp:     tmp,
		tmpName: name,
	}, nil
}
