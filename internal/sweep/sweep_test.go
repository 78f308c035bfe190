package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/emidln/s3-journal/internal/clock"
	"github.com/emidln/s3-journal/internal/directoryfmt"
	"github.com/emidln/s3-journal/internal/objectstore"
)

func TestSweeperReclaimsOnlyStaleUploads(t *testing.T) {
	mc := clock.NewManual(time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC))
	store := objectstore.NewMem(mc)
	fmtr, err := directoryfmt.Parse("yyyy/MM/dd")
	if err != nil {
		t.Fatal(err)
	}

	staleDir := fmtr.Directory(mc.Now().Add(-30 * 24 * time.Hour))
	freshDir := fmtr.Directory(mc.Now())

	ctx := context.Background()
	staleKey := directoryfmt.ObjectKey("", staleDir, "host1", 0, "")
	staleID, err := store.InitiateMultipartUpload(ctx, staleKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.UploadPart(ctx, staleKey, staleID, 1, []byte("stale-part"), true); err != nil {
		t.Fatal(err)
	}

	freshKey := directoryfmt.ObjectKey("", freshDir, "host1", 0, "")
	freshID, err := store.InitiateMultipartUpload(ctx, freshKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.UploadPart(ctx, freshKey, freshID, 1, []byte("fresh-part"), true); err != nil {
		t.Fatal(err)
	}

	sw := New(Config{
		Client:     store,
		Format:     fmtr,
		Expiration: 7 * 24 * time.Hour,
		Now:        mc.Now,
	})
	if sw == nil {
		t.Fatal("expected non-nil Sweeper")
	}
	if err := sw.Run(ctx); err != nil {
		t.Fatal(err)
	}

	opens, err := store.ListMultipartUploads(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(opens) != 1 || opens[0].Key != freshKey {
		t.Fatalf("expected only the fresh upload to remain open, got %+v", opens)
	}
	if _, ok := store.Object(staleKey); !ok {
		t.Fatalf("expected stale upload to be completed into an object")
	}
}

func TestSweeperDisabledWhenExpirationZero(t *testing.T) {
	if sw := New(Config{}); sw != nil {
		t.Fatalf("expected nil Sweeper when Expiration is zero")
	}
}
