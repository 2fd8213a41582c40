package buildcas

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/digest"
)

// Capture stores the directory at path as a tree and returns the digest of
// its root Directory. Regular files keep their executable bit; symlinks are
// stored with their target unchanged. Other file types are rejected.
func (s *Store) Capture(ctx context.Context, path string) (Digest, error) {
	const op = "capture"
	info, err := os.Stat(path)
	if err != nil {
		return Digest{}, wrap(op, TierLocal, Digest{}, err)
	}
	if !info.IsDir() {
		return Digest{}, wrap(op, TierLocal, Digest{}, fmt.Errorf("%s: %w", path, errNotDir))
	}
	d, err := s.captureDir(ctx, path, 1)
	if err != nil {
		return Digest{}, wrap(op, TierLocal, Digest{}, err)
	}
	s.log.Debug("captured", zap.String("path", path), zap.Stringer("digest", d))
	return d, nil
}

func (s *Store) captureDir(ctx context.Context, dir string, depth int) (Digest, error) {
	if depth > s.maxDepth {
		return Digest{}, fmt.Errorf("%w: %s is deeper than %d levels", ErrTreeTooDeep, dir, s.maxDepth)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Digest{}, err
	}

	msg := &remoteexecution.Directory{}
	p := pool.NewWithResults[*remoteexecution.FileNode]().
		WithContext(ctx).
		WithMaxGoroutines(s.concurrency).
		WithCancelOnError().
		WithFirstError()
	var walkErr error
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		switch t := e.Type(); {
		case t.IsDir():
			sub, err := s.captureDir(ctx, full, depth+1)
			if err != nil {
				walkErr = err
			}
			msg.Directories = append(msg.Directories, &remoteexecution.DirectoryNode{Name: e.Name(), Digest: sub.Proto()})
		case t&fs.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				walkErr = err
			}
			msg.Symlinks = append(msg.Symlinks, &remoteexecution.SymlinkNode{Name: e.Name(), Target: target})
		case t.IsRegular():
			p.Go(func(ctx context.Context) (*remoteexecution.FileNode, error) {
				return s.captureFile(ctx, full, e)
			})
		default:
			walkErr = fmt.Errorf("%w: %s: unsupported file type %s", ErrInvalidTree, full, t)
		}
		if walkErr != nil {
			break
		}
	}
	files, err := p.Wait()
	if walkErr != nil {
		return Digest{}, walkErr
	}
	if err != nil {
		return Digest{}, err
	}
	msg.Files = files

	d, data, err := EncodeDirectory(msg)
	if err != nil {
		return Digest{}, fmt.Errorf("%s: %w", dir, err)
	}
	return d, s.put(ctx, d, data)
}

func (s *Store) captureFile(ctx context.Context, path string, e fs.DirEntry) (*remoteexecution.FileNode, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	var d Digest
	if info.Size() >= s.local.LargeBlobThreshold() {
		// Hash large files without holding them; only read them when new.
		d, err = hashFile(path)
		if err != nil {
			return nil, err
		}
		ok, err := s.local.Contains(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			if err := s.put(ctx, d, data); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		d = digest.Compute(data)
		if err := s.put(ctx, d, data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return &remoteexecution.FileNode{
		Name:         e.Name(),
		Digest:       d.Proto(),
		IsExecutable: info.Mode()&0o111 != 0,
	}, nil
}

func hashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	h := digest.NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, err
	}
	return h.Digest(), nil
}
