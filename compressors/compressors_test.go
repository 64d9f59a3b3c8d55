package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
)

func TestSnappyCompressor_RoundTrip(t *testing.T) {
	c := NewSnappyCompressor()
	assert.Equal(t, core.CompressionSnappy, c.Type())

	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 100)
	compressed, err := c.Compress(original)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(original))

	rc, err := c.Decompress(compressed)
	require.NoError(t, err)
	defer rc.Close()
	decompressed, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestSnappyCompressor_RejectsGarbage(t *testing.T) {
	c := NewSnappyCompressor()
	_, err := c.Decompress([]byte("this is not snappy data"))
	require.Error(t, err)
}

func TestNoCompressionCompressor_RoundTrip(t *testing.T) {
	c := NewNoCompressionCompressor()
	assert.Equal(t, core.CompressionNone, c.Type())

	original := []byte("passthrough payload")
	compressed, err := c.Compress(original)
	require.NoError(t, err)
	assert.Equal(t, original, compressed)

	rc, err := c.Decompress(compressed)
	require.NoError(t, err)
	defer rc.Close()
	decompressed, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestCompressors_EmptyInput(t *testing.T) {
	for _, c := range []core.Compressor{NewSnappyCompressor(), NewNoCompressionCompressor()} {
		compressed, err := c.Compress(nil)
		require.NoError(t, err)
		rc, err := c.Decompress(compressed)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Empty(t, data)
	}
}
