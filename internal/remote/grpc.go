package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/logging"
)

// DefaultChunkSize is the ByteStream write chunk size.
const DefaultChunkSize = 1 << 20

// GRPCConfig configures a GRPCTransport.
type GRPCConfig struct {
	Address      string
	InstanceName string
	// TLS enables a secure channel. CACertPath optionally replaces the system
	// roots.
	TLS        bool
	CACertPath string
	// Headers are sent with every call.
	Headers     map[string]string
	Connections int
	ChunkSize   int
	Credentials Credentials
	Logger      *zap.Logger
	// DialOptions are appended to the transport's own.
	DialOptions []grpc.DialOption
}

// GRPCTransport speaks the remote execution API: the CAS, ByteStream and
// ActionCache services.
type GRPCTransport struct {
	instance  string
	chunkSize int
	creds     Credentials
	conns     []*grpc.ClientConn
	next      atomic.Uint64
	log       *zap.Logger
}

// NewGRPCTransport opens cfg.Connections channels to cfg.Address.
func NewGRPCTransport(cfg GRPCConfig) (*GRPCTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("remote: grpc address is required")
	}
	if cfg.Connections <= 0 {
		cfg.Connections = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Credentials == nil {
		cfg.Credentials = Anonymous{}
	}

	transportCreds := insecure.NewCredentials()
	if cfg.TLS {
		var err error
		if cfg.CACertPath != "" {
			transportCreds, err = credentials.NewClientTLSFromFile(cfg.CACertPath, "")
			if err != nil {
				return nil, fmt.Errorf("remote: load CA bundle: %w", err)
			}
		} else {
			transportCreds = credentials.NewClientTLSFromCert(nil, "")
		}
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithPerRPCCredentials(&perRPC{creds: cfg.Credentials, headers: cfg.Headers, secure: cfg.TLS}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64 << 20)),
	}
	opts = append(opts, cfg.DialOptions...)

	t := &GRPCTransport{
		instance:  cfg.InstanceName,
		chunkSize: cfg.ChunkSize,
		creds:     cfg.Credentials,
		log:       logging.OrNop(cfg.Logger).Named("grpc"),
	}
	for i := 0; i < cfg.Connections; i++ {
		conn, err := grpc.NewClient(cfg.Address, opts...)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("remote: dial %s: %w", cfg.Address, err)
		}
		t.conns = append(t.conns, conn)
	}
	return t, nil
}

func (t *GRPCTransport) conn() *grpc.ClientConn {
	return t.conns[t.next.Add(1)%uint64(len(t.conns))]
}

func (t *GRPCTransport) FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	req := &remoteexecution.FindMissingBlobsRequest{
		InstanceName:   t.instance,
		DigestFunction: remoteexecution.DigestFunction_SHA256,
		BlobDigests:    make([]*remoteexecution.Digest, 0, len(digests)),
	}
	for _, d := range digests {
		req.BlobDigests = append(req.BlobDigests, d.Proto())
	}
	resp, err := remoteexecution.NewContentAddressableStorageClient(t.conn()).FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, t.classify(err)
	}
	missing := make([]digest.Digest, 0, len(resp.GetMissingBlobDigests()))
	for _, p := range resp.GetMissingBlobDigests() {
		d, err := digest.FromProto(p)
		if err != nil {
			return nil, caserr.Fatal(fmt.Errorf("malformed digest in response: %w", err))
		}
		missing = append(missing, d)
	}
	return missing, nil
}

func (t *GRPCTransport) readResource(d digest.Digest) string {
	return path.Join(t.instance, "blobs", d.Hash, fmt.Sprint(d.Size))
}

func (t *GRPCTransport) writeResource(d digest.Digest) string {
	return path.Join(t.instance, "uploads", uuid.NewString(), "blobs", d.Hash, fmt.Sprint(d.Size))
}

func (t *GRPCTransport) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	stream, err := bytestream.NewByteStreamClient(t.conn()).Read(ctx, &bytestream.ReadRequest{
		ResourceName: t.readResource(d),
	})
	if err != nil {
		return nil, t.classify(err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, d.Size))
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, t.classify(err)
		}
		if int64(buf.Len()+len(resp.GetData())) > d.Size {
			return nil, fmt.Errorf("%w: remote sent more than %d bytes for %s", caserr.ErrCorruption, d.Size, d)
		}
		buf.Write(resp.GetData())
	}
	return buf.Bytes(), nil
}

func (t *GRPCTransport) Write(ctx context.Context, d digest.Digest, data []byte) error {
	stream, err := bytestream.NewByteStreamClient(t.conn()).Write(ctx)
	if err != nil {
		return t.classify(err)
	}

	resource := t.writeResource(d)
	var offset int64
	for {
		end := min(offset+int64(t.chunkSize), int64(len(data)))
		req := &bytestream.WriteRequest{
			WriteOffset: offset,
			Data:        data[offset:end],
			FinishWrite: end == int64(len(data)),
		}
		if offset == 0 {
			req.ResourceName = resource
		}
		// io.EOF means the server ended the stream early, usually because it
		// already holds the blob. The status comes from CloseAndRecv.
		if err := stream.Send(req); err != nil {
			if errors.Is(err, io.EOF) {
				t.log.Debug("write ended by server", zap.Stringer("digest", d), zap.Int64("offset", offset))
				break
			}
			return t.classify(err)
		}
		offset = end
		if req.FinishWrite {
			break
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return t.classify(err)
	}
	if resp.GetCommittedSize() != d.Size && resp.GetCommittedSize() != -1 {
		return caserr.Fatal(fmt.Errorf("remote committed %d of %d bytes for %s", resp.GetCommittedSize(), d.Size, d))
	}
	return nil
}

func (t *GRPCTransport) GetActionResult(ctx context.Context, action digest.Digest) (*remoteexecution.ActionResult, error) {
	res, err := remoteexecution.NewActionCacheClient(t.conn()).GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
		InstanceName:   t.instance,
		ActionDigest:   action.Proto(),
		DigestFunction: remoteexecution.DigestFunction_SHA256,
	})
	if err != nil {
		return nil, t.classify(err)
	}
	return res, nil
}

func (t *GRPCTransport) UpdateActionResult(ctx context.Context, action digest.Digest, result *remoteexecution.ActionResult) error {
	_, err := remoteexecution.NewActionCacheClient(t.conn()).UpdateActionResult(ctx, &remoteexecution.UpdateActionResultRequest{
		InstanceName:   t.instance,
		ActionDigest:   action.Proto(),
		ActionResult:   result,
		DigestFunction: remoteexecution.DigestFunction_SHA256,
	})
	return t.classify(err)
}

func (t *GRPCTransport) InvalidateCredentials() { t.creds.Invalidate() }

func (t *GRPCTransport) Close() error {
	var errs []error
	for _, c := range t.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// classify maps a gRPC status onto the caserr taxonomy.
func (t *GRPCTransport) classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return caserr.NotFound(err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return caserr.Transient(err)
	case codes.Unauthenticated:
		return unauthenticated(err)
	case codes.Canceled:
		return err
	default:
		return caserr.Fatal(err)
	}
}

// perRPC attaches the bearer token and static headers to every call.
type perRPC struct {
	creds   Credentials
	headers map[string]string
	secure  bool
}

func (p *perRPC) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	md := make(map[string]string, len(p.headers)+1)
	for k, v := range p.headers {
		md[k] = v
	}
	token, err := p.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		md["authorization"] = "Bearer " + token
	}
	return md, nil
}

func (p *perRPC) RequireTransportSecurity() bool { return p.secure }
