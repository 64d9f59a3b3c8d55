package compressors

import (
	"bytes"
	"io"

	"github.com/INLOpen/nexuskv/core"
)

// NoCompressionCompressor implements core.Compressor as a pass-through.
type NoCompressionCompressor struct{}

type nopReadCloser struct {
	*bytes.Reader
}

func (n *nopReadCloser) Close() error { return nil }

var _ core.Compressor = (*NoCompressionCompressor)(nil)
var _ io.ReadCloser = (*nopReadCloser)(nil)

func NewNoCompressionCompressor() *NoCompressionCompressor {
	return &NoCompressionCompressor{}
}

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return &nopReadCloser{Reader: bytes.NewReader(data)}, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
