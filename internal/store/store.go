// Package store saves received files under one output directory and opens
// local files for sending. Received names come from the peer, so they are
// reduced to a base name and written through a chrooted filesystem.
package store

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/1ureka/peerlink/internal/filetransfer"
	"github.com/1ureka/peerlink/internal/util"
)

// Store is the sink for finished inbound transfers.
type Store struct {
	fs billy.Filesystem
}

// New returns a Store writing into fs.
func New(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// NewDir returns a Store rooted at dir, creating it if needed.
func NewDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %q: %w", dir, err)
	}
	return New(osfs.New(dir, osfs.WithBoundOS())), nil
}

// Root is the output directory.
func (s *Store) Root() string {
	return s.fs.Root()
}

// Save writes r under a sanitized, non-clashing name and returns that name.
func (s *Store) Save(r filetransfer.Received) (string, error) {
	name, err := s.freeName(SafeName(r.Name))
	if err != nil {
		return "", err
	}

	f, err := s.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("billy: create %q: %w", name, err)
	}
	if _, err := f.Write(r.Data); err != nil {
		f.Close()
		return "", fmt.Errorf("billy: write %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("billy: close %q: %w", name, err)
	}

	util.LogSuccess("saved %s (%s, digest %08x)", s.fs.Join(s.fs.Root(), name),
		strings.TrimSpace(util.FormatBytes(float64(len(r.Data)))), r.Digest)
	return name, nil
}

// freeName returns name, or "base (n).ext" for the first n not yet taken.
func (s *Store) freeName(name string) (string, error) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := name
	for n := 1; ; n++ {
		_, err := s.fs.Stat(candidate)
		switch {
		case os.IsNotExist(err):
			return candidate, nil
		case err != nil:
			return "", fmt.Errorf("billy: stat %q: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
}

// SafeName reduces a peer-supplied name to a plain file name.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || name == "" {
		return "received.bin"
	}
	return name
}

// Source is a local file opened for sending.
type Source struct {
	billy.File
	Name string
	Size int64
}

// Open opens name on fs for sending.
func Open(fs billy.Filesystem, name string) (*Source, error) {
	info, err := fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("billy: stat %q: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory", name)
	}

	f, err := fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("billy: open %q: %w", name, err)
	}
	return &Source{File: f, Name: info.Name(), Size: info.Size()}, nil
}

// OpenPath opens a file from the local disk for sending.
func OpenPath(p string) (*Source, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", p, err)
	}
	return Open(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
}
