package remote

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
)

type anonymousKeychain struct{}

func (anonymousKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return authn.Anonymous, nil
}

func newOCI(t *testing.T) *OCITransport {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)

	tr, err := NewOCITransport(OCIConfig{
		Repository: strings.TrimPrefix(srv.URL, "http://") + "/build/cache",
		Insecure:   true,
		Keychain:   anonymousKeychain{},
	})
	require.NoError(t, err)
	return tr
}

func TestOCIRoundTrip(t *testing.T) {
	c := newTestClient(newOCI(t))
	ctx := context.Background()
	data := []byte("layer as blob")
	d := digest.Compute(data)
	other := digest.Compute([]byte("never pushed"))

	missing, err := c.FindMissing(ctx, []digest.Digest{d, other})
	require.NoError(t, err)
	assert.ElementsMatch(t, []digest.Digest{d, other}, missing)

	require.NoError(t, c.Upload(ctx, d, data))

	missing, err = c.FindMissing(ctx, []digest.Digest{d, other})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{other}, missing)

	got, err := c.Download(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOCIActionResults(t *testing.T) {
	tr := newOCI(t)
	ctx := context.Background()
	action := digest.Compute([]byte("go test ./..."))

	_, err := tr.GetActionResult(ctx, action)
	require.ErrorIs(t, err, caserr.ErrNotFound)

	require.NoError(t, tr.UpdateActionResult(ctx, action, &remoteexecution.ActionResult{ExitCode: 4}))
	res, err := tr.GetActionResult(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, int32(4), res.GetExitCode())
}
