package buildcas

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Materialize writes the tree rooted at root into path, which must not
// exist. Files get mode 0755 when marked executable and 0644 otherwise.
// Materializing the same tree into different paths concurrently is safe.
func (s *Store) Materialize(ctx context.Context, root Digest, path string) error {
	const op = "materialize"
	t, err := s.LoadTree(ctx, root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrap(op, TierLocal, root, err)
	}
	if err := os.Mkdir(path, modeDir.Perm()); err != nil {
		return wrap(op, TierLocal, root, err)
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.concurrency).WithCancelOnError().WithFirstError()
	walkErr := t.Walk(func(rel string, n *Node) error {
		target := filepath.Join(path, filepath.FromSlash(rel))
		switch {
		case n.IsDir():
			return os.Mkdir(target, modeDir.Perm())
		case n.IsSymlink():
			return os.Symlink(n.Target(), target)
		default:
			p.Go(func(ctx context.Context) error { return s.writeFile(ctx, target, n) })
			return nil
		}
	})
	if err := errors.Join(walkErr, p.Wait()); err != nil {
		return wrap(op, TierLocal, root, err)
	}
	s.log.Debug("materialized", zap.Stringer("digest", root), zap.String("path", path))
	return nil
}

func (s *Store) writeFile(ctx context.Context, target string, n *Node) error {
	data, err := s.Load(ctx, n.Digest())
	if err != nil {
		return err
	}
	mode := n.Mode().Perm()
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// The umask may have cleared bits.
	return os.Chmod(target, mode)
}
