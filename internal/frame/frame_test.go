package frame

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"
)

func TestEncodeUnsizedDelimited(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Encode([]any{"a", "bc"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a\nbc\n" {
		t.Fatalf("got %q", got)
	}
	if f.Suffix() != "" {
		t.Fatalf("identity compressor should have no suffix, got %q", f.Suffix())
	}
}

func TestEncodeUndelimitedUnsized(t *testing.T) {
	f, err := New(Options{Delimiter: NoDelimiter})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Encode([]any{"a", "bc"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeSizedNoDelimiter(t *testing.T) {
	f, err := New(Options{Sized: true, Delimiter: NoDelimiter})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Encode([]any{"ab"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 2, 'a', 'b'}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEncodeSizedAndDelimited(t *testing.T) {
	f, err := New(Options{Sized: true})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Encode([]any{"ab"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 2, 'a', 'b', '\n'}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEncodeEmptyBatch(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty output for empty batch, got %v", got)
	}
}

func TestEncodeWithGzipCompressor(t *testing.T) {
	c, err := NewCompressor(CompressorSpec{Name: "gzip"})
	if err != nil {
		t.Fatal(err)
	}
	f, err := New(Options{Compressor: c})
	if err != nil {
		t.Fatal(err)
	}
	if f.Suffix() != "gz" {
		t.Fatalf("suffix = %q", f.Suffix())
	}
	got, err := f.Encode([]any{"hello"})
	if err != nil {
		t.Fatal(err)
	}
	r, err := gzip.NewReader(bytes.NewReader(got))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "hello\n" {
		t.Fatalf("decompressed = %q", plain)
	}
}

func TestEncodeWithSnappyCompressor(t *testing.T) {
	c, err := NewCompressor(CompressorSpec{Name: "snappy"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Suffix() != "snappy" {
		t.Fatalf("suffix = %q", c.Suffix())
	}
}

func TestEncodeWithZstdCompressor(t *testing.T) {
	c, err := NewCompressor(CompressorSpec{Name: "zstd"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Suffix() != "zst" {
		t.Fatalf("suffix = %q", c.Suffix())
	}
	out, err := c.Compress([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Fatalf("expected non-empty zstd output")
	}
}

func TestUnsupportedCompressorRequiresCustom(t *testing.T) {
	if _, err := NewCompressor(CompressorSpec{Name: "bzip2"}); err == nil {
		t.Fatalf("expected error for bzip2 without a custom compressor")
	}
	custom := identityCompressor{}
	c, err := NewCompressor(CompressorSpec{Name: "bzip2", Custom: custom})
	if err != nil {
		t.Fatal(err)
	}
	if c != custom {
		t.Fatalf("expected custom compressor to be used verbatim")
	}
}

func TestIdentityEncoderRejectsUnsupportedType(t *testing.T) {
	if _, err := Identity(42); err == nil {
		t.Fatalf("expected identity encoder to reject int")
	}
}
