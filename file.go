package buildcas

import (
	"context"
	"errors"
	"io"
	"io/fs"
)

var errNotDir = errors.New("not a directory")

// file is an open entry of a tree FS.
type file struct {
	node   *Node
	t      *Tree
	data   []byte
	loaded bool
	offset int64

	entries []*Node
	listed  bool
}

var (
	_ fs.ReadDirFile = (*file)(nil)
	_ io.ReaderAt    = (*file)(nil)
	_ io.Seeker      = (*file)(nil)
)

func newFile(n *Node, t *Tree) *file {
	return &file{node: n, t: t}
}

func (f *file) Stat() (fs.FileInfo, error) { return f.node, nil }

func (f *file) Close() error { return nil }

func (f *file) content() ([]byte, error) {
	if f.node.IsDir() || f.node.IsSymlink() {
		return nil, &fs.PathError{Op: "read", Path: f.node.name, Err: fs.ErrInvalid}
	}
	if !f.loaded {
		data, err := f.t.load(context.Background(), f.node.digest)
		if err != nil {
			return nil, &fs.PathError{Op: "read", Path: f.node.name, Err: err}
		}
		f.data, f.loaded = data, true
	}
	return f.data, nil
}

func (f *file) Read(p []byte) (int, error) {
	data, err := f.content()
	if err != nil {
		return 0, err
	}
	if f.offset >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	data, err := f.content()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "readat", Path: f.node.name, Err: fs.ErrInvalid}
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = f.node.Size()
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.node.name, Err: fs.ErrInvalid}
	}
	if base+offset < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.node.name, Err: fs.ErrInvalid}
	}
	f.offset = base + offset
	return f.offset, nil
}

// ReadDir follows the fs.ReadDirFile contract: n <= 0 returns everything
// left, otherwise at most n entries and io.EOF once exhausted.
func (f *file) ReadDir(n int) ([]fs.DirEntry, error) {
	if !f.node.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: f.node.name, Err: errNotDir}
	}
	if !f.listed {
		children, err := f.t.children(f.node)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: f.node.name, Err: err}
		}
		f.entries, f.listed = children, true
	}

	count := len(f.entries)
	if n > 0 {
		if count == 0 {
			return nil, io.EOF
		}
		count = min(count, n)
	}
	out := make([]fs.DirEntry, count)
	for i := range count {
		out[i] = f.entries[i]
	}
	f.entries = f.entries[count:]
	return out, nil
}
