// Package objectstore defines the object-store client interface consumed
// by the upload finite state machine and the expiration sweeper (spec §4.5,
// §4.6, §4.7), and two implementations: S3Client, a production binding on
// aws-sdk-go-v2, and MemClient, an in-memory fake for tests.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// MinPartSize is S3's minimum size for a non-final multipart-upload part.
const MinPartSize = 5 << 20

// MaxPartSize is S3's maximum size for a single multipart-upload part.
const MaxPartSize = 5 << 30

// MaxPartsPerObject is S3's maximum number of parts in one multipart
// upload (spec §6 "Constants").
const MaxPartsPerObject = 10_000

// Part describes one committed multipart-upload part.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// Upload describes one open multipart upload, as returned by
// ListMultipartUploads.
type Upload struct {
	Key      string
	UploadID string
	Started  time.Time
}

// ObjectSummary describes one object, as returned by ListObjects.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client is the object-store surface the consumer and sweeper depend on
// (spec §6): multipart upload lifecycle plus the two listing calls
// recovery and the sweeper need.
type Client interface {
	InitiateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, payload []byte, last bool) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]Upload, error)
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectSummary, error)
}

// transientError tags an error as retryable: a timeout, a connection
// reset, or a 5xx/429/408 response. The consumer's dispatch loop checks
// for it instead of matching error strings (spec §7).
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// NewTransientError wraps err as transient.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or something it wraps) was tagged
// transient by NewTransientError.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ErrNotFound indicates the addressed object or multipart upload does not
// exist.
var ErrNotFound = errors.New("objectstore: not found")

// ErrForbidden indicates the object-store denied the request (HTTP 403);
// the expiration sweeper falls back to abort on this (spec §4.7).
var ErrForbidden = errors.New("objectstore: forbidden")
