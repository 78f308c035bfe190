package frame

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor turns a framed byte blob into its final, on-the-wire form and
// names the object-key suffix that form implies (config key "compressor").
type Compressor interface {
	Compress(raw []byte) ([]byte, error)
	Suffix() string
}

// CompressorSpec selects a Compressor by configuration name, optionally
// overridden by a caller-supplied function for names the registry can't
// serve itself.
type CompressorSpec struct {
	Name   string
	Custom Compressor
}

// NewCompressor resolves a CompressorSpec into a Compressor. "identity",
// "gzip", "snappy", and "zstd" are served directly; "bzip2" and "lzo" have
// no encoder anywhere in our dependency surface and resolve to an error
// unless Custom is set (spec §9 Open Question: compression format support).
func NewCompressor(spec CompressorSpec) (Compressor, error) {
	if spec.Custom != nil {
		return spec.Custom, nil
	}
	switch spec.Name {
	case "", "identity", "none":
		return identityCompressor{}, nil
	case "gzip":
		return gzipCompressor{}, nil
	case "snappy":
		return snappyCompressor{}, nil
	case "zstd":
		return newZstdCompressor()
	case "bzip2", "lzo":
		return nil, fmt.Errorf("frame: %q compression has no encoder in this build; supply CompressorSpec.Custom", spec.Name)
	default:
		return nil, fmt.Errorf("frame: unknown compressor %q", spec.Name)
	}
}

type identityCompressor struct{}

func (identityCompressor) Compress(raw []byte) ([]byte, error) { return raw, nil }
func (identityCompressor) Suffix() string                      { return "" }

type gzipCompressor struct{}

func (gzipCompressor) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("frame: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("frame: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Suffix() string { return "gz" }

type snappyCompressor struct{}

func (snappyCompressor) Compress(raw []byte) ([]byte, error) {
	return snappy.Encode(nil, raw), nil
}

func (snappyCompressor) Suffix() string { return "snappy" }

// zstdCompressor wraps a single long-lived *zstd.Encoder: built once,
// reused across calls, never rebuilt per record.
type zstdCompressor struct {
	enc *zstd.Encoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("frame: create zstd encoder: %w", err)
	}
	return &zstdCompressor{enc: enc}, nil
}

func (z *zstdCompressor) Compress(raw []byte) ([]byte, error) {
	return z.enc.EncodeAll(raw, nil), nil
}

func (z *zstdCompressor) Suffix() string { return "zst" }
