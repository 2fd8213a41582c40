package local

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/aweris/buildcas/internal/digest"
)

// Forever is the lease expiry of a lease held until explicitly dropped.
var Forever = time.Unix(0, math.MaxInt64)

const (
	metaVersion = 1
	metaLen     = 2 + 4*8

	flagCompressed uint8 = 1 << 0
	flagLarge      uint8 = 1 << 1
)

// Meta is the record stored next to every blob.
type Meta struct {
	Digest     digest.Digest
	Compressed bool
	Large      bool
	StoredAt   time.Time
	LastAccess time.Time
	// LeaseUntil is zero when no lease is held.
	LeaseUntil time.Time
}

// Leased reports whether the lease is live at now.
func (m Meta) Leased(now time.Time) bool {
	return !m.LeaseUntil.IsZero() && m.LeaseUntil.After(now)
}

func (m Meta) encode() []byte {
	buf := make([]byte, metaLen)
	buf[0] = metaVersion
	var flags uint8
	if m.Compressed {
		flags |= flagCompressed
	}
	if m.Large {
		flags |= flagLarge
	}
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:], uint64(m.Digest.Size))
	binary.BigEndian.PutUint64(buf[10:], uint64(unixNano(m.StoredAt)))
	binary.BigEndian.PutUint64(buf[18:], uint64(unixNano(m.LastAccess)))
	binary.BigEndian.PutUint64(buf[26:], uint64(unixNano(m.LeaseUntil)))
	return buf
}

func decodeMeta(raw []byte, buf []byte) (Meta, error) {
	if len(buf) != metaLen || buf[0] != metaVersion {
		return Meta{}, fmt.Errorf("local: malformed metadata record (%d bytes)", len(buf))
	}
	d, err := digest.FromRaw(raw, int64(binary.BigEndian.Uint64(buf[2:])))
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		Digest:     d,
		Compressed: buf[1]&flagCompressed != 0,
		Large:      buf[1]&flagLarge != 0,
		StoredAt:   fromUnixNano(int64(binary.BigEndian.Uint64(buf[10:]))),
		LastAccess: fromUnixNano(int64(binary.BigEndian.Uint64(buf[18:]))),
		LeaseUntil: fromUnixNano(int64(binary.BigEndian.Uint64(buf[26:]))),
	}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
