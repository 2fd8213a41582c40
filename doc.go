// Package buildcas is a content-addressed store for build inputs and outputs.
//
// Blobs and directory trees are addressed by their SHA-256 digest and size.
// A Store keeps content in a sharded on-disk store and falls back to a remote
// CAS on a miss, so identical content is stored and transferred at most once.
// Concurrent requests for the same digest share one download.
//
// Local only:
//
//	s, _ := buildcas.Open("/var/cache/buildcas")
//	defer s.Close()
//
//	d, _ := s.Store(ctx, []byte("hello"))
//	data, _ := s.Load(ctx, d)
//
// Trees are REAPI Directory messages stored as blobs:
//
//	root, _ := s.Capture(ctx, "./out")
//	_ = s.Materialize(ctx, root, "/tmp/out-copy")
//
// With a remote CAS:
//
//	cfg, _ := config.Load("")
//	s, _ := buildcas.OpenConfig(cfg, logger)
//	_ = s.UploadTree(ctx, root)      // make a tree durable remotely
//	tree, _ := s.LoadTree(ctx, root) // fetch a tree with one FindMissing
//
// Leases keep content from being evicted:
//
//	l, _ := s.AcquireLease(ctx, d, 0) // until released
//	defer s.Release(ctx, l)
package buildcas
