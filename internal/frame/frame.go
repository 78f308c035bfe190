// Package frame implements the journal's encoder/framer (spec §4.2): it
// turns a batch of records into a single byte blob by applying per-record
// framing (length prefix and/or delimiter) and then a configured
// compressor.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Encoder turns one record into bytes. The default, Identity, accepts
// []byte, string, or fmt.Stringer records and rejects anything else.
type Encoder func(record any) ([]byte, error)

// Identity is the default Encoder (spec §6 "encoder" default).
func Identity(record any) ([]byte, error) {
	switch v := record.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("frame: identity encoder cannot encode %T", record)
	}
}

// Options configures a Framer.
type Options struct {
	Encoder    Encoder // default Identity
	Delimiter  []byte  // nil means the default []byte("\n"); NoDelimiter disables it
	Sized      bool    // prepend each record with a big-endian uint32 length
	Compressor Compressor
}

// Framer applies per-record framing and compression to a batch of records.
type Framer struct {
	encoder    Encoder
	delimiter  []byte
	sized      bool
	compressor Compressor
}

// DefaultDelimiter is used when Options.Delimiter is nil (distinct from
// NoDelimiter, which disables delimiting).
var DefaultDelimiter = []byte("\n")

// New builds a Framer. A zero Options value yields the spec default:
// identity encoding, "\n" delimiter, unsized, identity compression.
func New(opts Options) (*Framer, error) {
	f := &Framer{
		encoder:   opts.Encoder,
		delimiter: opts.Delimiter,
		sized:     opts.Sized,
	}
	if f.encoder == nil {
		f.encoder = Identity
	}
	if opts.Delimiter == nil {
		f.delimiter = DefaultDelimiter
	}
	f.compressor = opts.Compressor
	if f.compressor == nil {
		var err error
		f.compressor, err = NewCompressor(CompressorSpec{Name: "identity"})
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NoDelimiter is a non-nil, zero-length sentinel callers can assign to
// Options.Delimiter to disable delimiting without getting the "\n" default
// (which only kicks in when Delimiter is left as the nil zero value).
var NoDelimiter = []byte{}

// Suffix returns the object-key suffix implied by this framer's compressor.
func (f *Framer) Suffix() string { return f.compressor.Suffix() }

// Encode renders one batch (or nil, the liveness-signal empty batch from
// the batcher's timer) into a single compressed byte blob.
func (f *Framer) Encode(batch []any) ([]byte, error) {
	if len(batch) == 0 {
		return []byte{}, nil
	}
	var raw []byte
	for _, record := range batch {
		encoded, err := f.encoder(record)
		if err != nil {
			return nil, fmt.Errorf("frame: encode record: %w", err)
		}
		if f.sized {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
			raw = append(raw, lenBuf[:]...)
		}
		raw = append(raw, encoded...)
		if len(f.delimiter) > 0 {
			raw = append(raw, f.delimiter...)
		}
	}
	return f.compressor.Compress(raw)
}
