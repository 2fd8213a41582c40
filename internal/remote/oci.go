package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/logging"
)

const (
	actionResultLabel = "dev.buildcas.action-result"
	actionTagPrefix   = "ac-"

	ociHeadConcurrency = 8
)

// OCIConfig configures an OCITransport.
type OCIConfig struct {
	// Repository is a registry repository such as "ghcr.io/org/cache".
	Repository string
	// Insecure allows plain HTTP.
	Insecure    bool
	Credentials Credentials
	// Keychain resolves registry credentials when no token is configured.
	Keychain  authn.Keychain
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// OCITransport uses an OCI registry repository as a CAS. Blobs are stored as
// uncompressed layers addressed by their sha256, action results as tagged
// images whose config carries the encoded result.
type OCITransport struct {
	repo      name.Repository
	creds     Credentials
	keychain  authn.Keychain
	transport http.RoundTripper
	log       *zap.Logger
}

// NewOCITransport parses cfg.Repository.
func NewOCITransport(cfg OCIConfig) (*OCITransport, error) {
	var opts []name.Option
	if cfg.Insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(cfg.Repository, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid repository %q: %w", cfg.Repository, err)
	}
	if cfg.Credentials == nil {
		cfg.Credentials = Anonymous{}
	}
	if cfg.Keychain == nil {
		cfg.Keychain = authn.DefaultKeychain
	}
	if cfg.Transport == nil {
		cfg.Transport = remote.DefaultTransport
	}
	return &OCITransport{
		repo:      repo,
		creds:     cfg.Credentials,
		keychain:  cfg.Keychain,
		transport: cfg.Transport,
		log:       logging.OrNop(cfg.Logger).Named("oci"),
	}, nil
}

func (t *OCITransport) String() string { return t.repo.String() }

func (t *OCITransport) auth(ctx context.Context) (authn.Authenticator, error) {
	token, err := t.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		return &authn.Bearer{Token: token}, nil
	}
	return t.keychain.Resolve(t.repo.Registry)
}

func (t *OCITransport) remoteOptions(ctx context.Context) ([]remote.Option, error) {
	auth, err := t.auth(ctx)
	if err != nil {
		return nil, caserr.Fatal(err)
	}
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(auth),
		remote.WithTransport(t.transport),
	}, nil
}

func (t *OCITransport) FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	auth, err := t.auth(ctx)
	if err != nil {
		return nil, caserr.Fatal(err)
	}
	rt, err := transport.NewWithContext(ctx, t.repo.Registry, auth, t.transport, []string{t.repo.Scope(transport.PullScope)})
	if err != nil {
		return nil, classifyRegistry(err)
	}
	client := &http.Client{Transport: rt}

	p := pool.NewWithResults[digest.Digest]().
		WithContext(ctx).
		WithMaxGoroutines(ociHeadConcurrency).
		WithCancelOnError().
		WithFirstError()
	for _, d := range digests {
		p.Go(func(ctx context.Context) (digest.Digest, error) {
			ok, err := t.headBlob(ctx, client, d)
			if err != nil || ok {
				return digest.Digest{}, err
			}
			return d, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	missing := results[:0]
	for _, d := range results {
		if !d.IsZero() {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (t *OCITransport) headBlob(ctx context.Context, client *http.Client, d digest.Digest) (bool, error) {
	u := fmt.Sprintf("%s://%s/v2/%s/blobs/sha256:%s",
		t.repo.Registry.Scheme(), t.repo.RegistryStr(), t.repo.RepositoryStr(), d.Hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, caserr.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, classifyRegistry(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 && resp.ContentLength != d.Size {
			return false, caserr.Fatal(fmt.Errorf("registry reports %d bytes for %s", resp.ContentLength, d))
		}
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, classifyRegistry(transport.CheckError(resp, http.StatusOK))
	}
}

func (t *OCITransport) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	opts, err := t.remoteOptions(ctx)
	if err != nil {
		return nil, err
	}
	layer, err := remote.Layer(t.repo.Digest("sha256:"+d.Hash), opts...)
	if err != nil {
		return nil, classifyRegistry(err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, classifyRegistry(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, d.Size+1))
	if err != nil {
		return nil, classifyRegistry(err)
	}
	return data, nil
}

func (t *OCITransport) Write(ctx context.Context, d digest.Digest, data []byte) error {
	opts, err := t.remoteOptions(ctx)
	if err != nil {
		return err
	}
	layer := static.NewLayer(data, types.OCIUncompressedLayer)
	if err := remote.WriteLayer(t.repo, layer, opts...); err != nil {
		return classifyRegistry(err)
	}
	return nil
}

func (t *OCITransport) actionTag(action digest.Digest) name.Tag {
	return t.repo.Tag(actionTagPrefix + action.Hash)
}

func (t *OCITransport) GetActionResult(ctx context.Context, action digest.Digest) (*remoteexecution.ActionResult, error) {
	opts, err := t.remoteOptions(ctx)
	if err != nil {
		return nil, err
	}
	img, err := remote.Image(t.actionTag(action), opts...)
	if err != nil {
		return nil, classifyRegistry(err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, classifyRegistry(err)
	}
	encoded, ok := cfg.Config.Labels[actionResultLabel]
	if !ok {
		return nil, caserr.NotFound(fmt.Errorf("image %s carries no action result", t.actionTag(action)))
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, caserr.Fatal(fmt.Errorf("decode action result: %w", err))
	}
	res := &remoteexecution.ActionResult{}
	if err := proto.Unmarshal(raw, res); err != nil {
		return nil, caserr.Fatal(fmt.Errorf("decode action result: %w", err))
	}
	return res, nil
}

func (t *OCITransport) UpdateActionResult(ctx context.Context, action digest.Digest, result *remoteexecution.ActionResult) error {
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(result)
	if err != nil {
		return caserr.Fatal(fmt.Errorf("encode action result: %w", err))
	}
	img, err := actionImage(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return caserr.Fatal(err)
	}
	opts, err := t.remoteOptions(ctx)
	if err != nil {
		return err
	}
	if err := remote.Write(t.actionTag(action), img, opts...); err != nil {
		return classifyRegistry(err)
	}
	return nil
}

func actionImage(encoded string) (v1.Image, error) {
	cfg, err := empty.Image.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{actionResultLabel: encoded}
	return mutate.ConfigFile(empty.Image, cfg)
}

func (t *OCITransport) InvalidateCredentials() { t.creds.Invalidate() }

func (t *OCITransport) Close() error { return nil }

// classifyRegistry maps registry failures onto the caserr taxonomy.
func classifyRegistry(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case terr.StatusCode == http.StatusNotFound:
			return caserr.NotFound(err)
		case terr.StatusCode == http.StatusUnauthorized:
			return unauthenticated(err)
		case terr.StatusCode == http.StatusTooManyRequests, terr.StatusCode >= 500:
			return caserr.Transient(err)
		default:
			return caserr.Fatal(err)
		}
	}
	// Connection failures and truncated bodies.
	return caserr.Transient(err)
}
