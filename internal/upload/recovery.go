package upload

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emidln/s3-journal/internal/directoryfmt"
	"github.com/emidln/s3-journal/internal/position"
)

// Recover rebuilds upload_state from the object store and the durable
// queue's pending backlog (spec §4.5), returning the part index new writes
// should start from. It must run before Run.
func (c *Consumer) Recover(ctx context.Context, prefix string) (int64, error) {
	opens, err := c.cfg.Client.ListMultipartUploads(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("upload: recover: list multipart uploads: %w", err)
	}
	for _, up := range opens {
		parsed, ok := directoryfmt.ParseObjectKey(up.Key)
		if !ok {
			c.log.Warn("recover: unrecognized open upload key, skipping", zap.String("key", up.Key))
			continue
		}
		parts, err := c.cfg.Client.ListParts(ctx, up.Key, up.UploadID)
		if err != nil {
			return 0, fmt.Errorf("upload: recover: list parts for %s: %w", up.Key, err)
		}
		fileNumber := parsed.FileNumber
		firstPart := fileNumber * c.cfg.MaxPartsPerObject
		key := ObjectKey{FirstPart: firstPart, Directory: parsed.Directory}
		obj := newObjectState(Descriptor{Key: up.Key, UploadID: up.UploadID})
		for _, p := range parts {
			partIndex := firstPart + int64(p.PartNumber) - 1
			obj.Parts[partIndex] = &PartRecord{Uploaded: true, ETag: p.ETag, PartNumber: p.PartNumber}
		}
		c.state[key] = obj

		endPayload, err := Encode(Payload{
			Action:   position.KindEnd,
			Position: position.Position{BytesInPart: 0, PartIndex: firstPart, Directory: parsed.Directory},
		})
		if err != nil {
			return 0, err
		}
		if _, err := c.cfg.Store.Put(c.cfg.Topic, endPayload); err != nil {
			return 0, fmt.Errorf("upload: recover: enqueue end for %s: %w", up.Key, err)
		}
	}

	return c.scanPendingForStartingPart(ctx)
}

// scanPendingForStartingPart implements spec §4.5 steps 4-5: the pending
// durable-queue backlog determines both the next fresh-object starting
// part index and the admission semaphore's recovered outstanding count.
func (c *Consumer) scanPendingForStartingPart(ctx context.Context) (int64, error) {
	tasks, err := c.cfg.Store.Enumerate(c.cfg.Topic)
	if err != nil {
		return 0, fmt.Errorf("upload: recover: enumerate pending tasks: %w", err)
	}

	var highestConjPart int64 = -1
	var recoveredPermits int64
	for _, task := range tasks {
		p, err := Decode(task.Payload)
		if err != nil {
			continue // corrupted task; the consumer loop will skip it on delivery
		}
		if p.Action != position.KindConj {
			continue
		}
		if p.Position.PartIndex > highestConjPart {
			highestConjPart = p.Position.PartIndex
		}
		recoveredPermits += int64(p.RecordCount)
		// enumerate is non-destructive; explicitly retry so the task stays
		// available for redelivery (spec §4.4).
		_ = c.cfg.Store.Retry(task)
	}

	if recoveredPermits > 0 && c.cfg.Semaphore != nil {
		if !c.cfg.Semaphore.TryAcquire(recoveredPermits) {
			return 0, fmt.Errorf("upload: recover: queue size too small for recovered workload (%d permits)", recoveredPermits)
		}
	}

	if highestConjPart < 0 {
		return 0, nil
	}
	// The object containing the highest pending conj is still in flight;
	// fresh writes must start at the next object's first part.
	nextFreshFile := position.FileNumber(highestConjPart, c.cfg.MaxPartsPerObject) + 1
	return position.FirstPartOfObject(nextFreshFile, c.cfg.MaxPartsPerObject), nil
}
