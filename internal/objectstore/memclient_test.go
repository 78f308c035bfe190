package objectstore

import (
	"context"
	"testing"

	"github.com/emidln/s3-journal/internal/clock"
)

func TestMemClientFullUploadLifecycle(t *testing.T) {
	c := NewMem(clock.Real{})
	ctx := context.Background()

	id, err := c.InitiateMultipartUpload(ctx, "2024/01/15/host-000000.journal")
	if err != nil {
		t.Fatal(err)
	}

	big := make([]byte, MinPartSize)
	for i := range big {
		big[i] = 'a'
	}
	etag1, err := c.UploadPart(ctx, "2024/01/15/host-000000.journal", id, 1, big, false)
	if err != nil {
		t.Fatal(err)
	}
	etag2, err := c.UploadPart(ctx, "2024/01/15/host-000000.journal", id, 2, []byte("tail"), true)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.CompleteMultipartUpload(ctx, "2024/01/15/host-000000.journal", id, []Part{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	}); err != nil {
		t.Fatal(err)
	}

	body, ok := c.Object("2024/01/15/host-000000.journal")
	if !ok {
		t.Fatalf("expected completed object to exist")
	}
	if len(body) != MinPartSize+len("tail") {
		t.Fatalf("unexpected object size %d", len(body))
	}
}

func TestMemClientRejectsUndersizedNonFinalPart(t *testing.T) {
	c := NewMem(clock.Real{})
	ctx := context.Background()
	id, err := c.InitiateMultipartUpload(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.UploadPart(ctx, "k", id, 1, []byte("too small"), false); err == nil {
		t.Fatalf("expected undersized non-final part to be rejected")
	}
}

func TestMemClientAbortRemovesUpload(t *testing.T) {
	c := NewMem(clock.Real{})
	ctx := context.Background()
	id, err := c.InitiateMultipartUpload(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AbortMultipartUpload(ctx, "k", id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListParts(ctx, "k", id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after abort, got %v", err)
	}
}

func TestMemClientListMultipartUploadsFiltersByPrefix(t *testing.T) {
	c := NewMem(clock.Real{})
	ctx := context.Background()
	if _, err := c.InitiateMultipartUpload(ctx, "a/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.InitiateMultipartUpload(ctx, "b/y"); err != nil {
		t.Fatal(err)
	}
	uploads, err := c.ListMultipartUploads(ctx, "a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 1 || uploads[0].Key != "a/x" {
		t.Fatalf("unexpected uploads: %+v", uploads)
	}
}
