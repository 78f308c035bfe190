// Package sweep implements the expiration sweeper (spec §4.7): a periodic
// scan that closes or aborts multipart uploads whose time-partition
// directory is older than a configured TTL, reclaiming storage and
// avoiding unbounded pending-upload charges from crashed peers sharing the
// bucket.
package sweep

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/emidln/s3-journal/internal/directoryfmt"
	"github.com/emidln/s3-journal/internal/metrics"
	"github.com/emidln/s3-journal/internal/objectstore"
)

// Config wires a Sweeper to its collaborators.
type Config struct {
	Client     objectstore.Client
	Format     directoryfmt.Format
	Expiration time.Duration // 0 disables sweeping; Sweeper.Run is then a no-op
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	// Now returns the current time for expiration comparisons. Defaults to
	// time.Now; tests supply a clock.Manual-backed func for determinism.
	Now func() time.Time
}

// Sweeper reclaims stranded multipart uploads (spec §4.7). It is invoked at
// most once per hour by the consumer loop (spec §4.6 step 1); the interval
// itself is enforced by the caller, not by Sweeper.
type Sweeper struct {
	cfg Config
	log *zap.Logger
}

// New builds a Sweeper. Returns nil when cfg.Expiration is zero, signaling
// the caller to leave upload.Config.Sweep unset entirely.
func New(cfg Config) *Sweeper {
	if cfg.Expiration <= 0 {
		return nil
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{cfg: cfg, log: log.Named("sweep")}
}

// Run lists every open multipart upload in the bucket (no prefix filter, so
// one sweeper can reclaim uploads abandoned by any peer sharing the
// bucket), and for each whose directory is older than Expiration, attempts
// to complete it; on 404 it no-ops, on 403 it falls back to abort, and any
// other error is logged and the sweep continues to the next upload.
func (s *Sweeper) Run(ctx context.Context) error {
	uploads, err := s.cfg.Client.ListMultipartUploads(ctx, "")
	if err != nil {
		s.cfg.Metrics.ObserveSweep(0, err)
		return err
	}
	now := s.cfg.Now()
	var reclaimed int
	for _, up := range uploads {
		parsed, ok := directoryfmt.ParseObjectKey(up.Key)
		if !ok {
			s.log.Debug("sweep: unrecognized key, skipping", zap.String("key", up.Key))
			continue
		}
		dirTime, err := s.cfg.Format.Parse(parsed.Directory)
		if err != nil {
			s.log.Warn("sweep: unparseable directory, skipping", zap.String("key", up.Key), zap.String("directory", parsed.Directory), zap.Error(err))
			continue
		}
		if now.Sub(dirTime) <= s.cfg.Expiration {
			continue
		}
		if s.reclaim(ctx, up) {
			reclaimed++
		}
	}
	s.cfg.Metrics.ObserveSweep(reclaimed, nil)
	return nil
}

func (s *Sweeper) reclaim(ctx context.Context, up objectstore.Upload) bool {
	parts, err := s.cfg.Client.ListParts(ctx, up.Key, up.UploadID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return false
		}
		s.log.Warn("sweep: list parts failed", zap.String("key", up.Key), zap.Error(err))
		return false
	}
	if len(parts) == 0 {
		return s.abort(ctx, up)
	}
	complete := make([]objectstore.Part, len(parts))
	copy(complete, parts)
	err = s.cfg.Client.CompleteMultipartUpload(ctx, up.Key, up.UploadID, complete)
	switch {
	case err == nil:
		s.log.Info("sweep: completed stranded upload", zap.String("key", up.Key))
		return true
	case errors.Is(err, objectstore.ErrNotFound):
		// Already gone (spec §4.7 "on HTTP 404 no-op").
		return false
	case errors.Is(err, objectstore.ErrForbidden):
		return s.abort(ctx, up)
	default:
		s.log.Warn("sweep: complete failed, leaving for next sweep", zap.String("key", up.Key), zap.Error(err))
		return false
	}
}

func (s *Sweeper) abort(ctx context.Context, up objectstore.Upload) bool {
	if err := s.cfg.Client.AbortMultipartUpload(ctx, up.Key, up.UploadID); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		s.log.Warn("sweep: abort failed", zap.String("key", up.Key), zap.Error(err))
		return false
	}
	s.log.Info("sweep: aborted stranded upload", zap.String("key", up.Key))
	return true
}
