package buildcas

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/buildcas/internal/digest"
)

// writeTree creates:
//
//	a.sh         executable
//	b.txt
//	sub/c.txt
//	sub/deeper/d.txt
func writeTree(t *testing.T, withSymlink bool) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.sh"), []byte("#!/bin/sh\necho a\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bee"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.txt"), []byte("sea"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deeper", "d.txt"), []byte("dee"), 0o644))
	if withSymlink {
		require.NoError(t, os.Symlink("sub/c.txt", filepath.Join(dir, "link")))
	}
	return dir
}

func TestMaterializeReproducesTree(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	src := writeTree(t, true)

	root, err := s.Capture(ctx, src)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Materialize(ctx, root, dst))

	for _, rel := range []string{"a.sh", "b.txt", "sub/c.txt", "sub/deeper/d.txt"} {
		want, err := os.ReadFile(filepath.Join(src, rel))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dst, rel))
		require.NoError(t, err, rel)
		assert.Equal(t, want, got, rel)
	}

	info, err := os.Stat(filepath.Join(dst, "a.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
	info, err = os.Stat(filepath.Join(dst, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "sub/c.txt", target)

	// Same content captured again yields the same root.
	again, err := s.Capture(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, root, again)
}

func TestMaterializeRequiresFreshPath(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	root, err := s.Capture(ctx, writeTree(t, false))
	require.NoError(t, err)

	dst := t.TempDir()
	err = s.Materialize(ctx, root, dst)
	assert.ErrorIs(t, err, fs.ErrExist)
}

func TestMaterializeConcurrently(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	root, err := s.Capture(ctx, writeTree(t, false))
	require.NoError(t, err)

	base := t.TempDir()
	errs := make(chan error, 4)
	for i := range 4 {
		go func() { errs <- s.Materialize(ctx, root, filepath.Join(base, string(rune('a'+i)))) }()
	}
	for range 4 {
		require.NoError(t, <-errs)
	}
}

func TestCanonicalDirectory(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	x := digest.Compute([]byte("x")).Proto()
	y := digest.Compute([]byte("y")).Proto()

	a := &remoteexecution.Directory{Files: []*remoteexecution.FileNode{
		{Name: "x", Digest: x},
		{Name: "y", Digest: y, IsExecutable: true},
	}}
	b := &remoteexecution.Directory{Files: []*remoteexecution.FileNode{
		{Name: "y", Digest: y, IsExecutable: true},
		{Name: "x", Digest: x},
	}}

	da, err := s.StoreDirectory(ctx, a)
	require.NoError(t, err)
	db, err := s.StoreDirectory(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Equal(t, "y", b.Files[0].Name, "input must not be reordered")
}

func TestStoreDirectoryRejectsUnsafeNames(t *testing.T) {
	s := newTestStore(t, nil)
	x := digest.Compute([]byte("x")).Proto()

	for _, dir := range []*remoteexecution.Directory{
		{Files: []*remoteexecution.FileNode{{Name: "..", Digest: x}}},
		{Files: []*remoteexecution.FileNode{{Name: "a/b", Digest: x}}},
		{Files: []*remoteexecution.FileNode{{Name: "", Digest: x}}},
		{Files: []*remoteexecution.FileNode{{Name: "dup", Digest: x}}, Symlinks: []*remoteexecution.SymlinkNode{{Name: "dup", Target: "x"}}},
		{Files: []*remoteexecution.FileNode{{Name: "nodigest"}}},
	} {
		_, err := s.StoreDirectory(context.Background(), dir)
		assert.ErrorIs(t, err, ErrInvalidTree)
	}
}

func TestLoadTreeUsesOneFindMissing(t *testing.T) {
	tr := newFakeTransport()
	ctx := context.Background()

	producer := newTestStore(t, tr)
	root, err := producer.Capture(ctx, writeTree(t, true))
	require.NoError(t, err)
	require.NoError(t, producer.UploadTree(ctx, root))

	tr.mu.Lock()
	tr.findCalls = 0
	tr.mu.Unlock()

	consumer := newTestStore(t, tr)
	tree, err := consumer.LoadTree(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.findCalls)
	assert.Len(t, tree.Files(), 4)

	for _, d := range tree.Files() {
		ok, err := consumer.Contains(ctx, d)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, tr.readCount(d))
	}

	// Everything is local now; no further remote calls.
	_, err = consumer.LoadTree(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.findCalls)
}

func TestLoadTreeMissingFile(t *testing.T) {
	tr := newFakeTransport()
	ctx := context.Background()
	s := newTestStore(t, tr)

	ghost := digest.Compute([]byte("never uploaded"))
	root, err := s.StoreDirectory(ctx, &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{{Name: "ghost", Digest: ghost.Proto()}},
	})
	require.NoError(t, err)

	_, err = s.LoadTree(ctx, root)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, TierRemote, TierOf(err))
}

func TestLoadTreeTooDeep(t *testing.T) {
	s := newTestStore(t, nil, WithMaxTreeDepth(2))
	ctx := context.Background()

	_, err := s.Capture(ctx, writeTree(t, false))
	require.ErrorIs(t, err, ErrTreeTooDeep)

	leaf, err := s.StoreDirectory(ctx, &remoteexecution.Directory{})
	require.NoError(t, err)
	d := leaf
	for _, name := range []string{"c", "b", "a"} {
		d, err = s.StoreDirectory(ctx, &remoteexecution.Directory{
			Directories: []*remoteexecution.DirectoryNode{{Name: name, Digest: d.Proto()}},
		})
		require.NoError(t, err)
	}
	_, err = s.LoadTree(ctx, d)
	require.ErrorIs(t, err, ErrTreeTooDeep)
}

func TestTreeFS(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	root, err := s.Capture(ctx, writeTree(t, false))
	require.NoError(t, err)

	tree, err := s.LoadTree(ctx, root)
	require.NoError(t, err)
	fsys := tree.FS()
	require.NoError(t, fstest.TestFS(fsys, "a.sh", "b.txt", "sub/c.txt", "sub/deeper/d.txt"))

	data, err := fs.ReadFile(fsys, "sub/deeper/d.txt")
	require.NoError(t, err)
	assert.Equal(t, "dee", string(data))

	info, err := fs.Stat(fsys, "a.sh")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode())

	_, err = fsys.Open("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestTreeWalkOrder(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	root, err := s.Capture(ctx, writeTree(t, true))
	require.NoError(t, err)
	tree, err := s.LoadTree(ctx, root)
	require.NoError(t, err)

	var paths []string
	require.NoError(t, tree.Walk(func(rel string, _ *Node) error {
		paths = append(paths, rel)
		return nil
	}))
	assert.Equal(t, []string{"a.sh", "b.txt", "link", "sub", "sub/c.txt", "sub/deeper", "sub/deeper/d.txt"}, paths)
}

func TestCaptureLargeFiles(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	src := t.TempDir()
	big := bytes.Repeat([]byte("0123456789abcdef"), 512)
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), big, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "copy.bin"), big, 0o644))

	root, err := s.Capture(ctx, src)
	require.NoError(t, err)
	ok, err := s.Contains(ctx, digest.Compute(big))
	require.NoError(t, err)
	assert.True(t, ok)

	// Unchanged large files are hashed, not stored again.
	size := s.Stats().Size
	again, err := s.Capture(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, root, again)
	assert.Equal(t, size, s.Stats().Size)

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Materialize(ctx, root, dst))
	got, err := os.ReadFile(filepath.Join(dst, "copy.bin"))
	require.NoError(t, err)
	assert.Equal(t, big, got)
}
