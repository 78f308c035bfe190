// Package directoryfmt implements the journal's time-partition directory
// format (spec §6 "s3_directory_format") and the object-key grammar built
// on top of it.
//
// A format string is `['<literal>']/<time-pattern>`: an optional
// single-quoted literal leading segment becomes a fixed bucket prefix, and
// the remainder is a strftime-like pattern evaluated against UTC. Supported
// pattern tokens are yyyy, MM, dd, HH, mm, ss; any other rune passes
// through unchanged, letting callers embed literal path separators.
package directoryfmt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format parses and evaluates s3_directory_format strings.
type Format struct {
	prefix  string
	pattern string
}

// Parse splits a directory format into its literal prefix (if any) and time
// pattern.
func Parse(spec string) (Format, error) {
	if spec == "" {
		return Format{}, fmt.Errorf("directoryfmt: empty format")
	}
	if strings.HasPrefix(spec, "'") {
		end := strings.Index(spec[1:], "'")
		if end < 0 {
			return Format{}, fmt.Errorf("directoryfmt: unterminated literal in %q", spec)
		}
		literal := spec[1 : 1+end]
		rest := spec[1+end+1:]
		rest = strings.TrimPrefix(rest, "/")
		return Format{prefix: literal, pattern: rest}, nil
	}
	return Format{pattern: spec}, nil
}

// Prefix returns the fixed bucket prefix carried by the literal segment, or
// "" when the format has none.
func (f Format) Prefix() string { return f.prefix }

// Directory renders the time-partition directory string for t (interpreted
// in UTC), not including the literal prefix.
func (f Format) Directory(t time.Time) string {
	t = t.UTC()
	var b strings.Builder
	tokens := map[string]string{
		"yyyy": fmt.Sprintf("%04d", t.Year()),
		"MM":   fmt.Sprintf("%02d", t.Month()),
		"dd":   fmt.Sprintf("%02d", t.Day()),
		"HH":   fmt.Sprintf("%02d", t.Hour()),
		"mm":   fmt.Sprintf("%02d", t.Minute()),
		"ss":   fmt.Sprintf("%02d", t.Second()),
	}
	pattern := f.pattern
	for len(pattern) > 0 {
		matched := false
		for _, tok := range []string{"yyyy", "MM", "dd", "HH", "mm", "ss"} {
			if strings.HasPrefix(pattern, tok) {
				b.WriteString(tokens[tok])
				pattern = pattern[len(tok):]
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(pattern[0])
			pattern = pattern[1:]
		}
	}
	return b.String()
}

// BucketPrefix returns the full S3 key prefix implied by this format: the
// literal segment, if any, joined with a trailing slash.
func (f Format) BucketPrefix() string {
	if f.prefix == "" {
		return ""
	}
	return f.prefix + "/"
}

// tokenWidth returns the fixed digit width a pattern token renders to, so
// Parse can invert Directory without a second parsing grammar.
func tokenWidth(tok string) int {
	if tok == "yyyy" {
		return 4
	}
	return 2
}

// Parse inverts Directory: given a rendered directory string, it recovers
// the UTC time it was derived from (spec §4.7 "parses it against
// s3_directory_format under UTC"). Only the token fields present in the
// pattern are populated; year/month/day default to 1 when absent so a
// pattern without them still yields a valid, comparable time for the
// expiration sweeper.
func (f Format) Parse(directory string) (time.Time, error) {
	year, month, day := 1, 1, 1
	hour, minute, second := 0, 0, 0
	pattern := f.pattern
	rest := directory
	for len(pattern) > 0 {
		matched := false
		for _, tok := range []string{"yyyy", "MM", "dd", "HH", "mm", "ss"} {
			if !strings.HasPrefix(pattern, tok) {
				continue
			}
			matched = true
			width := tokenWidth(tok)
			if len(rest) < width {
				return time.Time{}, fmt.Errorf("directoryfmt: %q too short for pattern %q", directory, f.pattern)
			}
			n, err := strconv.Atoi(rest[:width])
			if err != nil {
				return time.Time{}, fmt.Errorf("directoryfmt: parse %q field in %q: %w", tok, directory, err)
			}
			switch tok {
			case "yyyy":
				year = n
			case "MM":
				month = n
			case "dd":
				day = n
			case "HH":
				hour = n
			case "mm":
				minute = n
			case "ss":
				second = n
			}
			pattern = pattern[width:]
			rest = rest[width:]
			break
		}
		if matched {
			continue
		}
		if len(rest) == 0 || rest[0] != pattern[0] {
			return time.Time{}, fmt.Errorf("directoryfmt: %q does not match pattern %q", directory, f.pattern)
		}
		pattern = pattern[1:]
		rest = rest[1:]
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

const objectKeySuffixSep = "."

// ObjectKey renders the object key for the given directory, journal id,
// zero-padded file number, and optional suffix, per spec §6:
// "<dir>/<id>-<file_number zero-padded width 6>.journal[.<suffix>]".
func ObjectKey(prefix, directory, id string, fileNumber int64, suffix string) string {
	base := fmt.Sprintf("%s%s/%s-%06d.journal", prefix, directory, id, fileNumber)
	if suffix != "" {
		base += objectKeySuffixSep + suffix
	}
	return base
}

// keyPattern implements the reverse-parse regex of spec §6:
// `(.*)/.*-(\d+)\.journal`. It is used only to parse *existing* object keys
// discovered during recovery/expiration, where we don't control the input;
// our own key construction goes through ObjectKey instead.
var keyPattern = regexp.MustCompile(`^(.*)/.*-(\d+)\.journal`)

// ParsedKey is the result of reverse-parsing an object key.
type ParsedKey struct {
	Directory  string
	FileNumber int64
}

// ParseObjectKey extracts the directory and file number from an existing
// object key. ok is false when the key doesn't match the journal grammar.
func ParseObjectKey(key string) (ParsedKey, bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return ParsedKey{}, false
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ParsedKey{}, false
	}
	return ParsedKey{Directory: m[1], FileNumber: n}, true
}
