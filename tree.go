package buildcas

import (
	"cmp"
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/sourcegraph/conc/pool"
	"google.golang.org/protobuf/proto"

	"github.com/aweris/buildcas/internal/digest"
)

// Tree is a directory hierarchy whose Directory messages are all loaded.
type Tree struct {
	root     Digest
	dirs     map[Digest]*remoteexecution.Directory
	maxDepth int
	load     func(ctx context.Context, d Digest) ([]byte, error)
}

// Root returns the digest of the root Directory.
func (t *Tree) Root() Digest { return t.root }

// Directory returns the Directory message stored under d.
func (t *Tree) Directory(d Digest) (*remoteexecution.Directory, bool) {
	dir, ok := t.dirs[d]
	return dir, ok
}

// Files returns the distinct file digests referenced by the tree.
func (t *Tree) Files() []Digest {
	files := digest.NewSet()
	for _, dir := range t.dirs {
		for _, f := range dir.GetFiles() {
			if d, err := digest.FromProto(f.GetDigest()); err == nil {
				files.Add(d)
			}
		}
	}
	return files.Slice()
}

// Digests returns every directory and file digest of the tree.
func (t *Tree) Digests() []Digest {
	all := digest.NewSet(t.Files()...)
	for d := range t.dirs {
		all.Add(d)
	}
	return all.Slice()
}

// WalkFunc is called for every entry below the root with its slash
// separated path relative to the root.
type WalkFunc func(rel string, n *Node) error

// Walk visits the tree depth first in name order. Directories are visited
// before their contents.
func (t *Tree) Walk(fn WalkFunc) error {
	return t.walk(t.rootNode(), "", 1, fn)
}

func (t *Tree) walk(dir *Node, prefix string, depth int, fn WalkFunc) error {
	if depth > t.maxDepth {
		return fmt.Errorf("%w: %q is deeper than %d levels", ErrTreeTooDeep, prefix, t.maxDepth)
	}
	children, err := t.children(dir)
	if err != nil {
		return err
	}
	for _, c := range children {
		rel := path.Join(prefix, c.name)
		if err := fn(rel, c); err != nil {
			return err
		}
		if c.IsDir() {
			if err := t.walk(c, rel, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tree) rootNode() *Node {
	return dirNode(".", t.root, t.dirs[t.root])
}

// children returns the entries of a directory node sorted by name.
func (t *Tree) children(n *Node) ([]*Node, error) {
	dir := n.dir
	out := make([]*Node, 0, len(dir.GetFiles())+len(dir.GetDirectories())+len(dir.GetSymlinks()))
	for _, f := range dir.GetFiles() {
		d, err := digest.FromProto(f.GetDigest())
		if err != nil {
			return nil, fmt.Errorf("%w: file %q: %w", ErrInvalidTree, f.GetName(), err)
		}
		out = append(out, fileNode(f.GetName(), d, f.GetIsExecutable()))
	}
	for _, sub := range dir.GetDirectories() {
		d, err := digest.FromProto(sub.GetDigest())
		if err != nil {
			return nil, fmt.Errorf("%w: directory %q: %w", ErrInvalidTree, sub.GetName(), err)
		}
		child, ok := t.dirs[d]
		if !ok {
			return nil, fmt.Errorf("%w: directory %q (%s) not loaded", ErrInvalidTree, sub.GetName(), d)
		}
		out = append(out, dirNode(sub.GetName(), d, child))
	}
	for _, l := range dir.GetSymlinks() {
		out = append(out, symlinkNode(l.GetName(), l.GetTarget()))
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmp.Compare(a.name, b.name) })
	return out, nil
}

func (t *Tree) child(n *Node, name string) (*Node, bool) {
	children, err := t.children(n)
	if err != nil {
		return nil, false
	}
	i, ok := slices.BinarySearchFunc(children, name, func(c *Node, name string) int {
		return cmp.Compare(c.name, name)
	})
	if !ok {
		return nil, false
	}
	return children[i], true
}

// CanonicalDirectory returns a copy of dir with its entries sorted by name.
// Two directories with the same entries have the same canonical encoding.
func CanonicalDirectory(dir *remoteexecution.Directory) (*remoteexecution.Directory, error) {
	c := proto.Clone(dir).(*remoteexecution.Directory)
	slices.SortFunc(c.Files, func(a, b *remoteexecution.FileNode) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(c.Directories, func(a, b *remoteexecution.DirectoryNode) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(c.Symlinks, func(a, b *remoteexecution.SymlinkNode) int { return cmp.Compare(a.Name, b.Name) })
	if err := validateDirectory(c); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeDirectory returns the canonical encoding of dir and its digest.
func EncodeDirectory(dir *remoteexecution.Directory) (Digest, []byte, error) {
	c, err := CanonicalDirectory(dir)
	if err != nil {
		return Digest{}, nil, err
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(c)
	if err != nil {
		return Digest{}, nil, fmt.Errorf("%w: %w", ErrInvalidTree, err)
	}
	return digest.Compute(data), data, nil
}

func validateDirectory(dir *remoteexecution.Directory) error {
	seen := make(map[string]struct{}, len(dir.GetFiles())+len(dir.GetDirectories())+len(dir.GetSymlinks()))
	check := func(kind, name string) error {
		if !validName(name) {
			return fmt.Errorf("%w: unsafe %s name %q", ErrInvalidTree, kind, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidTree, name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, f := range dir.GetFiles() {
		if err := check("file", f.GetName()); err != nil {
			return err
		}
		if _, err := digest.FromProto(f.GetDigest()); err != nil {
			return fmt.Errorf("%w: file %q: %w", ErrInvalidTree, f.GetName(), err)
		}
	}
	for _, d := range dir.GetDirectories() {
		if err := check("directory", d.GetName()); err != nil {
			return err
		}
		if _, err := digest.FromProto(d.GetDigest()); err != nil {
			return fmt.Errorf("%w: directory %q: %w", ErrInvalidTree, d.GetName(), err)
		}
	}
	for _, l := range dir.GetSymlinks() {
		if err := check("symlink", l.GetName()); err != nil {
			return err
		}
		if l.GetTarget() == "" {
			return fmt.Errorf("%w: symlink %q has no target", ErrInvalidTree, l.GetName())
		}
	}
	return nil
}

// validName accepts a single path element.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}

// StoreDirectory stores the canonical encoding of dir locally and returns
// its digest.
func (s *Store) StoreDirectory(ctx context.Context, dir *remoteexecution.Directory) (Digest, error) {
	d, data, err := EncodeDirectory(dir)
	if err != nil {
		return Digest{}, wrap("store_directory", TierLocal, Digest{}, err)
	}
	return d, wrap("store_directory", TierLocal, d, s.put(ctx, d, data))
}

// LoadTree makes the tree rooted at root available locally. Directories are
// fetched level by level; the files still missing locally are then checked
// with a single FindMissing call and downloaded in parallel.
func (s *Store) LoadTree(ctx context.Context, root Digest) (*Tree, error) {
	const op = "load_tree"
	t, err := s.loadDirectories(ctx, root)
	if err != nil {
		return nil, wrap(op, TierLocal, root, err)
	}
	if err := s.ensureFiles(ctx, t.Files()); err != nil {
		return nil, wrap(op, TierLocal, root, err)
	}
	return t, nil
}

type loadedDirectory struct {
	digest Digest
	dir    *remoteexecution.Directory
}

func (s *Store) loadDirectories(ctx context.Context, root Digest) (*Tree, error) {
	t := &Tree{
		root:     root,
		dirs:     make(map[Digest]*remoteexecution.Directory),
		maxDepth: s.maxDepth,
		load:     s.Load,
	}
	queued := digest.NewSet(root)
	level := []Digest{root}
	for depth := 1; len(level) > 0; depth++ {
		if depth > s.maxDepth {
			return nil, fmt.Errorf("%w: deeper than %d levels", ErrTreeTooDeep, s.maxDepth)
		}
		p := pool.NewWithResults[loadedDirectory]().
			WithContext(ctx).
			WithMaxGoroutines(s.concurrency).
			WithCancelOnError().
			WithFirstError()
		for _, d := range level {
			p.Go(func(ctx context.Context) (loadedDirectory, error) {
				dir, err := s.loadDirectory(ctx, d)
				return loadedDirectory{digest: d, dir: dir}, err
			})
		}
		loaded, err := p.Wait()
		if err != nil {
			return nil, err
		}

		level = level[:0:0]
		for _, l := range loaded {
			t.dirs[l.digest] = l.dir
			for _, sub := range l.dir.GetDirectories() {
				d, _ := digest.FromProto(sub.GetDigest())
				if !queued.Has(d) {
					queued.Add(d)
					level = append(level, d)
				}
			}
		}
	}
	return t, nil
}

func (s *Store) loadDirectory(ctx context.Context, d Digest) (*remoteexecution.Directory, error) {
	data, err := s.Load(ctx, d)
	if err != nil {
		return nil, err
	}
	dir := &remoteexecution.Directory{}
	if err := proto.Unmarshal(data, dir); err != nil {
		return nil, wrap("load_tree", TierLocal, d, fmt.Errorf("%w: %w", ErrInvalidTree, err))
	}
	if err := validateDirectory(dir); err != nil {
		return nil, wrap("load_tree", TierLocal, d, err)
	}
	return dir, nil
}

// ensureFiles downloads the files not held locally. One FindMissing call
// covers all of them so absent content fails before any transfer starts.
func (s *Store) ensureFiles(ctx context.Context, files []Digest) error {
	var absent []Digest
	for _, d := range files {
		ok, err := s.local.Contains(ctx, d)
		if err != nil {
			return wrap("load_tree", TierLocal, d, err)
		}
		if !ok {
			absent = append(absent, d)
		}
	}
	if len(absent) == 0 {
		return nil
	}

	if s.remote != nil {
		missing, err := s.remote.FindMissing(ctx, absent)
		if err != nil {
			return wrap("load_tree", TierRemote, Digest{}, err)
		}
		if len(missing) > 0 {
			return wrap("load_tree", TierRemote, missing[0],
				fmt.Errorf("%w: %d of %d files missing from remote", ErrNotFound, len(missing), len(absent)))
		}
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.concurrency).WithCancelOnError().WithFirstError()
	for _, d := range absent {
		p.Go(func(ctx context.Context) error { return s.ensureLocal(ctx, d) })
	}
	return p.Wait()
}

// UploadTree copies the tree rooted at root to the remote, skipping content
// the remote already holds.
func (s *Store) UploadTree(ctx context.Context, root Digest) error {
	if s.remote == nil {
		return wrap("upload_tree", TierRemote, root, ErrNoRemote)
	}
	t, err := s.LoadTree(ctx, root)
	if err != nil {
		return err
	}
	return s.Upload(ctx, t.Digests()...)
}
