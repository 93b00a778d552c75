package store

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// document is the on-disk layout of a File store.
type document struct {
	Version int                          `yaml:"version"`
	Files   map[string]map[string]string `yaml:"files"`
}

const documentVersion = 1

// File is a Store persisted as a single yaml document. Every write rewrites
// the document atomically.
type File struct {
	path string

	mu  sync.Mutex
	doc document
}

var _ Store = (*File)(nil)

// NewFile opens the document at path, creating an empty one if it does not
// exist.
func NewFile(path string) (*File, error) {
	f := &File{path: path, doc: document{Version: documentVersion, Files: map[string]map[string]string{}}}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, errors.Wrap(err, "read state document")
	}
	if err := yaml.Unmarshal(raw, &f.doc); err != nil {
		return nil, errors.Wrapf(err, "decode state document %s", path)
	}
	if f.doc.Version != documentVersion {
		return nil, errors.Newf("state document %s: unsupported version %d", path, f.doc.Version)
	}
	if f.doc.Files == nil {
		f.doc.Files = map[string]map[string]string{}
	}
	return f, nil
}

// Read implements Store.
func (f *File) Read(_ context.Context, loc Location, path string) ([]byte, error) {
	if err := CheckPath(loc, path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	enc, ok := f.doc.Files[loc.String()][path]
	if !ok {
		return nil, notFound(loc, path)
	}
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s:%s", loc, path)
	}
	return data, nil
}

// Write implements Store.
func (f *File) Write(_ context.Context, loc Location, path string, data []byte) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir, ok := f.doc.Files[loc.String()]
	if !ok {
		dir = make(map[string]string)
		f.doc.Files[loc.String()] = dir
	}
	prev, existed := dir[path]
	dir[path] = base64.StdEncoding.EncodeToString(data)
	if err := f.flush(); err != nil {
		if existed {
			dir[path] = prev
		} else {
			delete(dir, path)
		}
		return err
	}
	return nil
}

// Remove implements Store.
func (f *File) Remove(_ context.Context, loc Location, path string) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := f.doc.Files[loc.String()]
	prev, ok := dir[path]
	if !ok {
		return notFound(loc, path)
	}
	delete(dir, path)
	if err := f.flush(); err != nil {
		dir[path] = prev
		return err
	}
	return nil
}

// List implements Store.
func (f *File) List(_ context.Context, loc Location, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for path := range f.doc.Files[loc.String()] {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// Close implements Store.
func (f *File) Close() error { return nil }

func (f *File) flush() error {
	raw, err := yaml.Marshal(&f.doc)
	if err != nil {
		return errors.Wrap(err, "encode state document")
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temporary state document")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck
		return errors.Wrap(err, "write state document")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close state document")
	}
	return errors.Wrap(os.Rename(tmp.Name(), f.path), "replace state document")
}
