// Package store provides the persistent file storage behind the service
// core.
//
// Files are addressed by a [Location] and a slash-separated path. Internal
// and External locations are persisted by the chosen backend; Volatile
// files live in memory only and vanish with the process.
package store

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
)

// Location selects a storage area.
type Location int

// Storage locations.
const (
	Internal Location = iota // Device-internal flash
	External                 // External flash
	Volatile                 // RAM, lost on restart
)

// String returns a string representation of the location.
func (l Location) String() string {
	switch l {
	case Internal:
		return "internal"
	case External:
		return "external"
	case Volatile:
		return "volatile"
	default:
		return "unknown"
	}
}

// Valid reports whether l names a known location.
func (l Location) Valid() bool {
	return l >= Internal && l <= Volatile
}

// MaxPathLength is the longest path accepted by any backend.
const MaxPathLength = 255

// Store errors.
var (
	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidLocation is returned for an unknown location.
	ErrInvalidLocation = errors.New("invalid location")
)

// Store reads and writes whole files.
type Store interface {
	// Read returns the contents of a file. It returns an error wrapping
	// pkg.ErrNotFound if the file does not exist.
	Read(ctx context.Context, loc Location, path string) ([]byte, error)

	// Write creates or replaces a file.
	Write(ctx context.Context, loc Location, path string, data []byte) error

	// Remove deletes a file. It returns an error wrapping pkg.ErrNotFound if
	// the file does not exist.
	Remove(ctx context.Context, loc Location, path string) error

	// List returns the sorted paths under prefix.
	List(ctx context.Context, loc Location, prefix string) ([]string, error)

	// Close releases the backend.
	Close() error
}

// CheckPath validates a location and path pair.
func CheckPath(loc Location, path string) error {
	if !loc.Valid() {
		return errors.Wrapf(ErrInvalidLocation, "%d", int(loc))
	}
	if path == "" || len(path) > MaxPathLength || strings.HasPrefix(path, "/") {
		return errors.Wrapf(ErrInvalidPath, "%q", path)
	}
	for _, elem := range strings.Split(path, "/") {
		if elem == "" || elem == "." || elem == ".." {
			return errors.Wrapf(ErrInvalidPath, "%q", path)
		}
	}
	return nil
}

func notFound(loc Location, path string) error {
	return errors.Wrapf(pkg.ErrNotFound, "%s:%s", loc, path)
}

// layered sends Volatile traffic to memory and everything else to a
// persistent backend.
type layered struct {
	persistent Store
	volatile   *Memory
}

// WithVolatile wraps a persistent store so that Volatile files are kept in
// memory instead.
func WithVolatile(persistent Store) Store {
	return &layered{persistent: persistent, volatile: NewMemory()}
}

func (l *layered) pick(loc Location) Store {
	if loc == Volatile {
		return l.volatile
	}
	return l.persistent
}

func (l *layered) Read(ctx context.Context, loc Location, path string) ([]byte, error) {
	return l.pick(loc).Read(ctx, loc, path)
}

func (l *layered) Write(ctx context.Context, loc Location, path string, data []byte) error {
	return l.pick(loc).Write(ctx, loc, path, data)
}

func (l *layered) Remove(ctx context.Context, loc Location, path string) error {
	return l.pick(loc).Remove(ctx, loc, path)
}

func (l *layered) List(ctx context.Context, loc Location, prefix string) ([]string, error) {
	return l.pick(loc).List(ctx, loc, prefix)
}

func (l *layered) Close() error {
	return errors.CombineErrors(l.persistent.Close(), l.volatile.Close())
}

// Open selects a backend from a location string:
//
//	""  or ":memory:"         in-memory
//	redis://... rediss://...  redis
//	*.yaml, *.yml             single yaml document
//	sqlite://path or a path   sqlite database
func Open(ctx context.Context, location string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch {
	case location == "" || location == ":memory:":
		pkg.LogDebug(pkg.ComponentStore, "opening memory store")
		return NewMemory(), nil
	case strings.HasPrefix(location, "redis://"), strings.HasPrefix(location, "rediss://"):
		s, err = DialRedis(ctx, location)
	case strings.HasSuffix(location, ".yaml"), strings.HasSuffix(location, ".yml"):
		s, err = NewFile(location)
	default:
		s, err = NewSQLite(ctx, strings.TrimPrefix(location, "sqlite://"))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", location)
	}
	pkg.LogDebug(pkg.ComponentStore, "opened store", "location", location)
	return WithVolatile(s), nil
}
