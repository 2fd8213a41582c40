package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Credentials supplies the bearer token sent with remote requests.
type Credentials interface {
	// Token returns the current token, or "" for anonymous access.
	Token(ctx context.Context) (string, error)
	// Invalidate forces the next Token call to reload.
	Invalidate()
}

// Anonymous sends no token.
type Anonymous struct{}

func (Anonymous) Token(context.Context) (string, error) { return "", nil }
func (Anonymous) Invalidate()                           {}

// EnvCredentials reads a token from an environment variable, falling back to
// a token file. The token is reloaded when the variable changes, when the
// file is modified, or after Invalidate, so rotated credentials take effect
// without a restart.
type EnvCredentials struct {
	env  string
	path string

	mu       sync.Mutex
	loaded   bool
	token    string
	envValue string
	modTime  time.Time
}

// NewEnvCredentials returns credentials read from env or the file at path.
// Either may be empty.
func NewEnvCredentials(env, path string) *EnvCredentials {
	return &EnvCredentials{env: env, path: path}
}

func (c *EnvCredentials) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var envValue string
	if c.env != "" {
		envValue = os.Getenv(c.env)
	}
	if envValue != "" {
		if !c.loaded || envValue != c.envValue {
			c.token, c.envValue, c.loaded = strings.TrimSpace(envValue), envValue, true
		}
		return c.token, nil
	}
	c.envValue = ""

	if c.path == "" {
		c.token, c.loaded = "", true
		return "", nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return "", fmt.Errorf("remote: token file: %w", err)
	}
	if c.loaded && info.ModTime().Equal(c.modTime) {
		return c.token, nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return "", fmt.Errorf("remote: token file: %w", err)
	}
	c.token, c.modTime, c.loaded = strings.TrimSpace(string(raw)), info.ModTime(), true
	return c.token, nil
}

func (c *EnvCredentials) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}
