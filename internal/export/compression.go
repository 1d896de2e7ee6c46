package export

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithm names accepted in configuration.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// Compression codec identifiers carried in the export frame header so a
// consumer can decode without out-of-band agreement.
const (
	codecNone   byte = 0
	codecGzip   byte = 1
	codecZstd   byte = 2
	codecZlib   byte = 3
	codecSnappy byte = 4
)

// Compressor compresses and decompresses export payloads using a
// configured algorithm.
type Compressor struct {
	algorithm string
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCompressor creates a Compressor for the named algorithm.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	if !ValidCompression(algorithm) {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm}

	// zstd coders are expensive to create, keep one of each.
	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()

			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}

		c.encoder = enc
		c.decoder = dec
	}

	return c, nil
}

// CodecByte returns the frame header identifier for the algorithm.
func (c *Compressor) CodecByte() byte {
	switch c.algorithm {
	case CompressionGzip:
		return codecGzip
	case CompressionZstd:
		return codecZstd
	case CompressionZlib:
		return codecZlib
	case CompressionSnappy:
		return codecSnappy
	default:
		return codecNone
	}
}

// Compress compresses data with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer

		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}

		return buf.Bytes(), nil
	case CompressionZstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	case CompressionZlib:
		var buf bytes.Buffer

		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}

		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Decompress reverses a payload compressed by the codec identified in
// the frame header. Used by consumers and tests.
func Decompress(codec byte, data []byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return data, nil
	case codecGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()

		return io.ReadAll(r)
	case codecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()

		return io.ReadAll(dec)
	case codecZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()

		return io.ReadAll(r)
	case codecSnappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unknown compression codec: %d", codec)
	}
}

// Close releases compressor resources.
func (c *Compressor) Close() error {
	if c.decoder != nil {
		c.decoder.Close()
	}

	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}

// ValidCompression reports whether the algorithm name is recognized.
func ValidCompression(algorithm string) bool {
	switch algorithm {
	case "", CompressionNone, CompressionGzip, CompressionZstd,
		CompressionZlib, CompressionSnappy:
		return true
	default:
		return false
	}
}
