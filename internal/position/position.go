// Package position implements the journal's position arithmetic: the pure
// function that turns a newly flushed batch into the next (bytes, part,
// directory) triple and the ordered list of durable-queue actions that
// describe the transition (spec §4.3).
package position

import "fmt"

// Kind tags the variant carried by an Action.
type Kind int

const (
	// KindStart initiates a new multipart upload for the object implied by
	// the action's Position.
	KindStart Kind = iota
	// KindConj appends a pending chunk to the current part of an object.
	KindConj
	// KindUpload flushes the accumulated chunks of the current part as an
	// S3 part.
	KindUpload
	// KindEnd completes (or aborts) the multipart upload for an object.
	KindEnd
	// KindFlush is an operator-initiated request to close every open
	// object.
	KindFlush
	// KindSkip is a placeholder for a corrupted task.
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindConj:
		return "conj"
	case KindUpload:
		return "upload"
	case KindEnd:
		return "end"
	case KindFlush:
		return "flush"
	case KindSkip:
		return "skip"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Position is the (bytes_in_current_part, part_index, directory) triple
// described in spec §3.
type Position struct {
	BytesInPart int64
	PartIndex   int64
	Directory   string
}

// Action is a tagged variant produced by Advance and enqueued into the
// durable queue.
type Action struct {
	Kind         Kind
	Position     Position
	RecordCount  int
	PayloadBytes int64
}

// Start builds a start action for the object implied by p.
func Start(p Position) Action { return Action{Kind: KindStart, Position: p} }

// End builds an end action for the object implied by p.
func End(p Position) Action { return Action{Kind: KindEnd, Position: p} }

// Upload builds an upload action for the part implied by p.
func Upload(p Position) Action { return Action{Kind: KindUpload, Position: p} }

// Conj builds a conj action carrying the record/byte counts of a batch
// appended to the part implied by p.
func Conj(p Position, recordCount int, payloadBytes int64) Action {
	return Action{Kind: KindConj, Position: p, RecordCount: recordCount, PayloadBytes: payloadBytes}
}

// Flush builds a flush action (no position; addresses every open object).
func Flush() Action { return Action{Kind: KindFlush} }

// FileNumber identifies the object a part belongs to.
func FileNumber(partIndex, maxPartsPerObject int64) int64 {
	return partIndex / maxPartsPerObject
}

// PartNumberWithinObject returns the 1-based S3 part number for partIndex.
func PartNumberWithinObject(partIndex, maxPartsPerObject int64) int {
	return int(partIndex%maxPartsPerObject) + 1
}

// FirstPartOfObject returns the part index of the first part of the object
// identified by fileNumber.
func FirstPartOfObject(fileNumber, maxPartsPerObject int64) int64 {
	return fileNumber * maxPartsPerObject
}

// Advance computes the next position and the ordered actions to enqueue,
// given the current position p, the directory the wall clock currently maps
// to (newDirectory), and the size/record count of the batch about to be
// attached. minPartSize and maxPartsPerObject come from the object-store's
// part-size/part-count limits (spec §6 "Constants").
//
// Advance is a pure function: all time- and clock-derived state is resolved
// by the caller before calling it, which is what makes the position
// arithmetic independently testable (spec §8 boundary scenarios S1-S4).
func Advance(p Position, newDirectory string, payloadSize int64, recordCount int, minPartSize, maxPartsPerObject int64) (Position, []Action) {
	if newDirectory != p.Directory {
		// Directory rollover is self-contained: the old object's end and the
		// new object's start are unrelated to each other's descriptors, so
		// the literal emission order from rule 1 is preserved rather than
		// applying the start/conj/end reordering used below (spec §8 S4:
		// "end of the first then start of the second before any conj").
		next := Position{BytesInPart: payloadSize, PartIndex: 0, Directory: newDirectory}
		return next, []Action{End(p), Start(next), Conj(next, recordCount, payloadSize)}
	}

	var nextPart, nextBytes int64
	if p.BytesInPart > minPartSize {
		nextPart = p.PartIndex + 1
		nextBytes = payloadSize
	} else {
		nextPart = p.PartIndex
		nextBytes = p.BytesInPart + payloadSize
	}
	next := Position{BytesInPart: nextBytes, PartIndex: nextPart, Directory: p.Directory}

	var trailing []Action
	if nextPart != p.PartIndex && nextPart%maxPartsPerObject == 0 {
		trailing = append(trailing, End(p), Start(next))
	}
	if nextBytes > minPartSize {
		trailing = append(trailing, Upload(next))
	}
	return next, reorder(trailing, Conj(next, recordCount, payloadSize))
}

// reorder applies the emission-order rule of spec §4.3 to the same-directory
// branch (object rollover + upload): every start action goes first, then
// the conj for the new position, then any remaining end/upload actions in
// their original relative order. This guarantees the consumer always
// observes start before any reference to a new object, and conj before the
// upload that flushes it.
func reorder(raw []Action, conj Action) []Action {
	out := make([]Action, 0, len(raw)+1)
	for _, a := range raw {
		if a.Kind == KindStart {
			out = append(out, a)
		}
	}
	out = append(out, conj)
	for _, a := range raw {
		if a.Kind != KindStart {
			out = append(out, a)
		}
	}
	return out
}
