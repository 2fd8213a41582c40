package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	c, err := New(LevelDefault)
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("build output "), 1000)
	out, ok := c.Compress(data)
	require.True(t, ok)
	assert.Less(t, len(out), len(data))

	back, err := c.Decompress(out, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestSmallInputIsStoredRaw(t *testing.T) {
	c, err := New(LevelFastest)
	require.NoError(t, err)
	defer c.Close()

	out, ok := c.Compress([]byte("tiny"))
	assert.False(t, ok)
	assert.Equal(t, []byte("tiny"), out)
}

func TestLevelNoneStillDecodes(t *testing.T) {
	enc, err := New(LevelBetter)
	require.NoError(t, err)
	defer enc.Close()
	data := bytes.Repeat([]byte{'x'}, 4096)
	packed, ok := enc.Compress(data)
	require.True(t, ok)

	none, err := New(LevelNone)
	require.NoError(t, err)
	defer none.Close()

	_, ok = none.Compress(data)
	assert.False(t, ok)
	back, err := none.Decompress(packed, 0)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelDefault, l)

	l, err = ParseLevel("FASTEST")
	require.NoError(t, err)
	assert.Equal(t, LevelFastest, l)

	_, err = ParseLevel("ultra")
	assert.Error(t, err)
}
