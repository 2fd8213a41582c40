//go:build linux

package local

import (
	"os"

	"golang.org/x/sys/unix"
)

func adviseDontNeed(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}
