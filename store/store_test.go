package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softkey/pkg"
)

// runContract exercises the behavior every backend must share.
func runContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Read(ctx, Internal, "app/missing")
	require.ErrorIs(t, err, pkg.ErrNotFound)

	require.NoError(t, s.Write(ctx, Internal, "app/a", []byte("one")))
	require.NoError(t, s.Write(ctx, Internal, "app/b", []byte{0x00, 0xff}))
	require.NoError(t, s.Write(ctx, Internal, "other/c", nil))
	require.NoError(t, s.Write(ctx, External, "app/a", []byte("ext")))

	data, err := s.Read(ctx, Internal, "app/a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), data)

	data, err = s.Read(ctx, Internal, "app/b")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff}, data)

	data, err = s.Read(ctx, External, "app/a")
	require.NoError(t, err)
	require.Equal(t, []byte("ext"), data)

	require.NoError(t, s.Write(ctx, Internal, "app/a", []byte("two")))
	data, err = s.Read(ctx, Internal, "app/a")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)

	paths, err := s.List(ctx, Internal, "app/")
	require.NoError(t, err)
	require.Equal(t, []string{"app/a", "app/b"}, paths)

	require.NoError(t, s.Remove(ctx, Internal, "app/a"))
	require.ErrorIs(t, s.Remove(ctx, Internal, "app/a"), pkg.ErrNotFound)
	_, err = s.Read(ctx, Internal, "app/a")
	require.ErrorIs(t, err, pkg.ErrNotFound)

	paths, err = s.List(ctx, Internal, "nothing/")
	require.NoError(t, err)
	require.Empty(t, paths)

	require.ErrorIs(t, s.Write(ctx, Internal, "../escape", nil), ErrInvalidPath)
	require.ErrorIs(t, s.Write(ctx, Location(9), "x", nil), ErrInvalidLocation)
}

func TestMemory(t *testing.T) {
	runContract(t, NewMemory())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s, err := NewFile(path)
	require.NoError(t, err)
	runContract(t, s)

	// Reopen and observe persisted state.
	reopened, err := NewFile(path)
	require.NoError(t, err)
	data, err := reopened.Read(context.Background(), Internal, "app/b")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff}, data)
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	runContract(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	data, err := reopened.Read(context.Background(), External, "app/a")
	require.NoError(t, err)
	require.Equal(t, []byte("ext"), data)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	runContract(t, NewRedis(client, WithPrefix("test:")))
	require.True(t, mr.Exists("test:files:internal"))
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name     string
		location string
	}{
		{"memory", ""},
		{"memory explicit", ":memory:"},
		{"yaml", filepath.Join(dir, "state.yaml")},
		{"sqlite", filepath.Join(dir, "state.db")},
		{"sqlite url", "sqlite://" + filepath.Join(dir, "other.db")},
		{"redis", "redis://" + mr.Addr() + "/0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.location)
			require.NoError(t, err)
			defer s.Close()
			runContract(t, s)
		})
	}
}

func TestVolatileNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.yaml")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, Volatile, "session", []byte("x")))
	require.NoError(t, s.Write(ctx, Internal, "kept", []byte("y")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Read(ctx, Volatile, "session")
	require.ErrorIs(t, err, pkg.ErrNotFound)
	data, err := s.Read(ctx, Internal, "kept")
	require.NoError(t, err)
	require.Equal(t, []byte("y"), data)
}

func TestCheckPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"a", true},
		{"fido/sec/00", true},
		{"", false},
		{"/abs", false},
		{"a//b", false},
		{"a/./b", false},
		{"a/../b", false},
		{"trailing/", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := CheckPath(Internal, tt.path)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidPath)
			}
		})
	}
}
