package buildcas

import (
	"io/fs"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

const (
	modeFile       fs.FileMode = 0o644
	modeExecutable fs.FileMode = 0o755
	modeDir                    = fs.ModeDir | 0o755
	modeSymlink                = fs.ModeSymlink | 0o777
)

// Node is one entry of a loaded tree: a file, a directory or a symlink. It
// implements fs.FileInfo and fs.DirEntry.
type Node struct {
	name   string
	mode   fs.FileMode
	digest Digest
	target string
	dir    *remoteexecution.Directory
}

var (
	_ fs.FileInfo = (*Node)(nil)
	_ fs.DirEntry = (*Node)(nil)
)

func fileNode(name string, d Digest, executable bool) *Node {
	mode := modeFile
	if executable {
		mode = modeExecutable
	}
	return &Node{name: name, mode: mode, digest: d}
}

func dirNode(name string, d Digest, dir *remoteexecution.Directory) *Node {
	return &Node{name: name, mode: modeDir, digest: d, dir: dir}
}

func symlinkNode(name, target string) *Node {
	return &Node{name: name, mode: modeSymlink, target: target}
}

func (n *Node) Name() string { return n.name }

// Size is the content length of a file or the target length of a symlink.
func (n *Node) Size() int64 {
	switch {
	case n.IsDir():
		return 0
	case n.IsSymlink():
		return int64(len(n.target))
	default:
		return n.digest.Size
	}
}

func (n *Node) Mode() fs.FileMode { return n.mode }

// ModTime is always the zero time; trees carry no timestamps.
func (n *Node) ModTime() time.Time { return time.Time{} }

func (n *Node) IsDir() bool { return n.mode.IsDir() }

func (n *Node) Sys() any { return nil }

func (n *Node) Type() fs.FileMode { return n.mode.Type() }

func (n *Node) Info() (fs.FileInfo, error) { return n, nil }

// Digest is the content digest of a file or the Directory digest of a
// directory. It is zero for symlinks.
func (n *Node) Digest() Digest { return n.digest }

func (n *Node) IsSymlink() bool { return n.mode&fs.ModeSymlink != 0 }

func (n *Node) Executable() bool { return n.mode.IsRegular() && n.mode&0o111 != 0 }

// Target is the symlink target.
func (n *Node) Target() string { return n.target }
