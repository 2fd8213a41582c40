package local

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aweris/buildcas/internal/digest"
)

// largeDir holds blobs too big for the shard database, one file per blob in
// git-style fan-out directories: large/ab/cdef...
const largeDir = "large"

func (sh *shard) largePath(d digest.Digest) string {
	return filepath.Join(sh.dir, largeDir, d.Hash[:2], d.Hash[2:])
}

// writeLarge writes data to its final path through a temp file and rename so
// readers never see a partial file.
func (sh *shard) writeLarge(d digest.Digest, data []byte, sync bool) error {
	path := sh.largePath(d)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create large blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write large blob: %w", err)
	}
	if sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("sync large blob: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close large blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit large blob: %w", err)
	}
	return nil
}

// readLarge reads a large blob and then advises the kernel to drop its pages:
// large outputs are usually consumed once.
func (sh *shard) readLarge(d digest.Digest) ([]byte, error) {
	f, err := os.Open(sh.largePath(d))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, d.Size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	// Trailing bytes mean the file is not the blob we expect.
	var one [1]byte
	if n, _ := f.Read(one[:]); n > 0 {
		return nil, fmt.Errorf("large blob %s longer than %d bytes", d, d.Size)
	}
	adviseDontNeed(f)
	return data, nil
}

func (sh *shard) removeLarge(d digest.Digest) error {
	err := os.Remove(sh.largePath(d))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
