// Package upload implements the consumer/upload finite state machine
// (spec §4.5 Recovery, §4.6 Consumer / Upload FSM): the single loop that
// owns upload_state and serializes every S3 mutation for one journal
// instance.
package upload

import (
	"encoding/json"
	"fmt"

	"github.com/emidln/s3-journal/internal/position"
)

// Payload is the durable-queue task body: a position.Action plus, for
// conj, the framed bytes it carries. Every task enqueued by the position
// arithmetic (spec §4.3) and by recovery/flush-triggered ends is encoded
// this way.
type Payload struct {
	Action       position.Kind    `json:"action"`
	Position     position.Position `json:"position"`
	RecordCount  int              `json:"record_count,omitempty"`
	PayloadBytes int64            `json:"payload_bytes,omitempty"`
	Data         []byte           `json:"data,omitempty"`
}

// Encode marshals a Payload for queuestore.Store.Put.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("upload: encode payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals a queuestore.Task's payload. Callers treat a
// decoding failure as a skip action (spec §4.6 step 3).
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("upload: decode payload: %w", err)
	}
	return p, nil
}

// FromAction builds the Payload for a position.Action, attaching data for
// conj actions (the only kind that carries a byte payload through the
// queue).
func FromAction(a position.Action, data []byte) Payload {
	p := Payload{
		Action:       a.Kind,
		Position:     a.Position,
		RecordCount:  a.RecordCount,
		PayloadBytes: a.PayloadBytes,
	}
	if a.Kind == position.KindConj {
		p.Data = data
	}
	return p
}
