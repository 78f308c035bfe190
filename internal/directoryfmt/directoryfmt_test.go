package directoryfmt

import (
	"testing"
	"time"
)

func TestParseLiteralPrefix(t *testing.T) {
	f, err := Parse("'myprefix'/yyyy/MM/dd")
	if err != nil {
		t.Fatal(err)
	}
	if f.Prefix() != "myprefix" {
		t.Fatalf("prefix = %q", f.Prefix())
	}
	if f.BucketPrefix() != "myprefix/" {
		t.Fatalf("bucket prefix = %q", f.BucketPrefix())
	}
	ts := time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC)
	if got := f.Directory(ts); got != "2024/01/15" {
		t.Fatalf("directory = %q", got)
	}
}

func TestParseWithoutLiteral(t *testing.T) {
	f, err := Parse("yyyy/MM/dd")
	if err != nil {
		t.Fatal(err)
	}
	if f.Prefix() != "" {
		t.Fatalf("expected no prefix, got %q", f.Prefix())
	}
}

func TestDirectoryRollsOverAtMidnightUTC(t *testing.T) {
	f, err := Parse("yyyy/MM/dd")
	if err != nil {
		t.Fatal(err)
	}
	before := time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC)
	after := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	if f.Directory(before) == f.Directory(after) {
		t.Fatalf("expected directory to change across midnight UTC")
	}
}

func TestObjectKeyRoundTrip(t *testing.T) {
	key := ObjectKey("", "2024/01/15", "host1", 2, "gz")
	if key != "2024/01/15/host1-000002.journal.gz" {
		t.Fatalf("unexpected key: %s", key)
	}
	parsed, ok := ParseObjectKey(key)
	if !ok {
		t.Fatalf("expected key to parse")
	}
	if parsed.Directory != "2024/01/15" || parsed.FileNumber != 2 {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

func TestObjectKeyNoSuffix(t *testing.T) {
	key := ObjectKey("shard-a/", "2024/01/15", "host1", 0, "")
	if key != "shard-a/2024/01/15/host1-000000.journal" {
		t.Fatalf("unexpected key: %s", key)
	}
	parsed, ok := ParseObjectKey(key)
	if !ok || parsed.FileNumber != 0 {
		t.Fatalf("unexpected parse result: %+v, ok=%v", parsed, ok)
	}
}

func TestParseObjectKeyRejectsGarbage(t *testing.T) {
	if _, ok := ParseObjectKey("not-a-journal-key"); ok {
		t.Fatalf("expected garbage key to be rejected")
	}
}

func TestFormatParseInvertsDirectory(t *testing.T) {
	f, err := Parse("yyyy/MM/dd")
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rendered := f.Directory(ts)
	parsed, err := f.Parse(rendered)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(ts) {
		t.Fatalf("round trip mismatch: got %v, want %v", parsed, ts)
	}
}

func TestFormatParseRejectsMismatch(t *testing.T) {
	f, err := Parse("yyyy/MM/dd")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Parse("not-a-date"); err == nil {
		t.Fatalf("expected parse error for malformed directory")
	}
}
