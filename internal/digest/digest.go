// Package digest provides the identity primitives of the store: a SHA-256
// content hash paired with the declared byte length.
package digest

import (
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/minio/sha256-simd"

	"github.com/aweris/buildcas/internal/caserr"
)

// HashLen is the length of a hex encoded hash.
const HashLen = sha256.Size * 2

// Digest identifies content by hash and length. The zero value is invalid;
// the digest of zero bytes is Empty.
type Digest struct {
	Hash string
	Size int64
}

// Empty is the digest of the empty blob.
var Empty = Compute(nil)

// Compute returns the digest of data.
func Compute(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest{Hash: hex.EncodeToString(h[:]), Size: int64(len(data))}
}

// Verify reports whether data has digest d.
func Verify(data []byte, d Digest) bool {
	if int64(len(data)) != d.Size {
		return false
	}
	return Compute(data).Hash == d.Hash
}

// New validates hash and size and builds a Digest.
func New(hash string, size int64) (Digest, error) {
	if len(hash) != HashLen {
		return Digest{}, fmt.Errorf("%w: hash length %d", caserr.ErrInvalidDigest, len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return Digest{}, fmt.Errorf("%w: hash %q: %w", caserr.ErrInvalidDigest, hash, err)
	}
	if hash != strings.ToLower(hash) {
		return Digest{}, fmt.Errorf("%w: hash %q must be lowercase", caserr.ErrInvalidDigest, hash)
	}
	if size < 0 {
		return Digest{}, fmt.Errorf("%w: negative size %d", caserr.ErrInvalidDigest, size)
	}
	return Digest{Hash: hash, Size: size}, nil
}

// Parse parses "<hash>/<size>". A "sha256:" prefix on the hash is accepted.
func Parse(s string) (Digest, error) {
	hash, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("%w: %q is not of the form <hash>/<size>", caserr.ErrInvalidDigest, s)
	}
	hash = strings.TrimPrefix(hash, "sha256:")
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: size in %q: %w", caserr.ErrInvalidDigest, s, err)
	}
	return New(hash, size)
}

// MustParse is Parse that panics on error. Intended for tests and constants.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromProto converts a REAPI digest.
func FromProto(p *remoteexecution.Digest) (Digest, error) {
	if p == nil {
		return Digest{}, fmt.Errorf("%w: nil proto digest", caserr.ErrInvalidDigest)
	}
	return New(p.GetHash(), p.GetSizeBytes())
}

// Proto converts d to a REAPI digest.
func (d Digest) Proto() *remoteexecution.Digest {
	return &remoteexecution.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.Size, 10)
}

// Validate reports whether d is well formed. Digests built by Compute, New or
// Parse always are; literals may not be.
func (d Digest) Validate() error {
	_, err := New(d.Hash, d.Size)
	return err
}

// IsZero reports whether d is the invalid zero value.
func (d Digest) IsZero() bool { return d.Hash == "" }

// IsEmpty reports whether d addresses the empty blob.
func (d Digest) IsEmpty() bool { return d == Empty }

// Raw returns the 32 byte binary hash. It panics if d was not built by this
// package.
func (d Digest) Raw() []byte {
	raw, err := hex.DecodeString(d.Hash)
	if err != nil || len(raw) != sha256.Size {
		panic(fmt.Sprintf("digest: malformed hash %q", d.Hash))
	}
	return raw
}

// FromRaw builds a Digest from a binary hash and size.
func FromRaw(raw []byte, size int64) (Digest, error) {
	if len(raw) != sha256.Size {
		return Digest{}, fmt.Errorf("%w: raw hash has %d bytes", caserr.ErrInvalidDigest, len(raw))
	}
	return Digest{Hash: hex.EncodeToString(raw), Size: size}, nil
}

// Hasher computes a digest incrementally.
type Hasher struct {
	h    hash.Hash
	size int64
}

// NewHasher returns a streaming digest calculator.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.size += int64(n)
	return n, err
}

// Digest returns the digest of everything written so far.
func (h *Hasher) Digest() Digest {
	return Digest{Hash: hex.EncodeToString(h.h.Sum(nil)), Size: h.size}
}

// Set is an unordered collection of digests.
type Set map[Digest]struct{}

// NewSet builds a set from ds.
func NewSet(ds ...Digest) Set {
	s := make(Set, len(ds))
	for _, d := range ds {
		s[d] = struct{}{}
	}
	return s
}

func (s Set) Add(d Digest) { s[d] = struct{}{} }

func (s Set) Has(d Digest) bool {
	_, ok := s[d]
	return ok
}

// Slice returns the members in unspecified order.
func (s Set) Slice() []Digest {
	out := make([]Digest, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	return out
}
