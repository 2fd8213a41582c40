//go:build !linux

package local

import "os"

func adviseDontNeed(*os.File) {}
