package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("observer telemetry "), 64)

	for _, algo := range []string{
		CompressionNone,
		CompressionGzip,
		CompressionZstd,
		CompressionZlib,
		CompressionSnappy,
	} {
		t.Run(algo, func(t *testing.T) {
			c, err := NewCompressor(algo)
			require.NoError(t, err)

			defer c.Close()

			compressed, err := c.Compress(payload)
			require.NoError(t, err)

			restored, err := Decompress(c.CodecByte(), compressed)
			require.NoError(t, err)

			assert.Equal(t, payload, restored)
		})
	}
}

func TestUnknownCompressionRejected(t *testing.T) {
	_, err := NewCompressor("lz77")
	require.Error(t, err)

	assert.False(t, ValidCompression("lz77"))
	assert.True(t, ValidCompression(CompressionZstd))
}

func TestDecompressUnknownCodecByte(t *testing.T) {
	_, err := Decompress(0xff, []byte("data"))
	require.Error(t, err)
}
