package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvCredentialsPrefersEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("BUILDCAS_AUTH_TEST", "from-env")

	c := NewEnvCredentials("BUILDCAS_AUTH_TEST", path)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)

	t.Setenv("BUILDCAS_AUTH_TEST", "")
	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-file", tok)
}

func TestEnvCredentialsReloadsRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))

	c := NewEnvCredentials("", path)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestEnvCredentialsInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))
	c := NewEnvCredentials("", path)
	_, err := c.Token(context.Background())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("third"), 0o600))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	c.Invalidate()
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "third", tok)
}

func TestEnvCredentialsMissingFile(t *testing.T) {
	c := NewEnvCredentials("", filepath.Join(t.TempDir(), "absent"))
	_, err := c.Token(context.Background())
	assert.Error(t, err)
}

func TestAnonymous(t *testing.T) {
	tok, err := Anonymous{}.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}
