package target

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBindShared(t *testing.T) {
	bindings, err := Bind(Target{Path: "/x/f", Size: 1 << 20}, Shared, 4)
	require.NoError(t, err)
	require.Len(t, bindings, 4)
	for i, b := range bindings {
		require.Equal(t, "/x/f", b.Path)
		require.Equal(t, int64(0), b.Lo)
		require.Equal(t, int64(1<<20), b.Hi)
		require.Equal(t, i, b.Worker)
	}
}

func TestBindPerWorker(t *testing.T) {
	bindings, err := Bind(Target{Path: "/x/f", Size: 4096}, PerWorker, 3)
	require.NoError(t, err)
	require.Equal(t, "/x/f.0", bindings[0].Path)
	require.Equal(t, "/x/f.2", bindings[2].Path)
	require.Equal(t, int64(4096), bindings[1].Hi)
}

func TestBindPartitioned(t *testing.T) {
	bindings, err := Bind(Target{Path: "/x/f", Size: 4096}, Partitioned, 4)
	require.NoError(t, err)
	for i, b := range bindings {
		require.Equal(t, int64(i)*1024, b.Lo)
		require.Equal(t, int64(i+1)*1024, b.Hi)
	}
	// Partitions tile the file exactly: no gaps, no overlap.
	for i := 1; i < len(bindings); i++ {
		require.Equal(t, bindings[i-1].Hi, bindings[i].Lo)
	}

	_, err = Bind(Target{Path: "/x/f", Size: 4097}, Partitioned, 4)
	require.Error(t, err, "size not divisible by worker count")
}

func TestBindingContains(t *testing.T) {
	b := Binding{Lo: 1024, Hi: 2048}
	require.True(t, b.Contains(1024, 512))
	require.True(t, b.Contains(1536, 512))
	require.False(t, b.Contains(1023, 512))
	require.False(t, b.Contains(1537, 512))
	require.False(t, b.Contains(2048, 1))
	require.False(t, b.Contains(1024, 0))
}

func TestPaths(t *testing.T) {
	bindings := []Binding{{Path: "a"}, {Path: "a"}, {Path: "b"}}
	require.Equal(t, []string{"a", "b"}, Paths(bindings))
}

func TestEnsureAndCurrentSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.dat")

	size, err := CurrentSize(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	require.NoError(t, Ensure(path, 8192))
	size, err = CurrentSize(path)
	require.NoError(t, err)
	require.Equal(t, int64(8192), size)

	// Ensure never shrinks.
	require.NoError(t, Ensure(path, 4096))
	size, err = CurrentSize(path)
	require.NoError(t, err)
	require.Equal(t, int64(8192), size)
}

func TestUnlink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.dat")
	require.NoError(t, Ensure(path, 16))
	require.NoError(t, Unlink([]string{path, path + ".missing"}))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
