package vibesync

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// CompressionCodec identifies the compression applied to a payload.
type CompressionCodec string

const (
	// CompressionNone leaves payloads uncompressed.
	CompressionNone CompressionCodec = "none"
	// CompressionSnappy uses snappy block compression (fast, moderate ratio).
	CompressionSnappy CompressionCodec = "snappy"
	// CompressionGzip uses gzip (slower, better ratio).
	CompressionGzip CompressionCodec = "gzip"
)

// Valid reports whether the codec is recognized.
func (c CompressionCodec) Valid() bool {
	switch c {
	case CompressionNone, CompressionSnappy, CompressionGzip:
		return true
	}
	return false
}

// Compress compresses data with the given codec.
func Compress(codec CompressionCodec, data []byte) ([]byte, error) {
	switch codec {
	case CompressionNone, "":
		return data, nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionGzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			_ = gz.Close()
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

// Decompress reverses Compress for the given codec.
func Decompress(codec CompressionCodec, data []byte) ([]byte, error) {
	switch codec {
	case CompressionNone, "":
		return data, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	case CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer func() { _ = gz.Close() }()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}
