package upload

import "github.com/emidln/s3-journal/internal/queuestore"

// Descriptor is the S3 upload identifier for one open multipart upload
// (spec §3 "Object State").
type Descriptor struct {
	Key      string
	UploadID string
}

// PartRecord is the per-part-index slot of an ObjectState: either pending
// (accumulating conj tasks not yet uploaded) or committed (uploaded, with
// its ETag recorded for the eventual CompleteMultipartUpload).
type PartRecord struct {
	Tasks      []*queuestore.Task
	Uploaded   bool
	ETag       string
	PartNumber int
}

// ObjectKey locates one open object in upload_state (spec §3 "Object
// Key"): the part index of the object's first part, plus its directory.
type ObjectKey struct {
	FirstPart int64
	Directory string
}

// ObjectState is one open multipart upload's in-memory record (spec §3
// "Object State").
type ObjectState struct {
	Descriptor Descriptor
	Parts      map[int64]*PartRecord // keyed by part_index
}

func newObjectState(desc Descriptor) *ObjectState {
	return &ObjectState{Descriptor: desc, Parts: make(map[int64]*PartRecord)}
}

func (o *ObjectState) part(partIndex int64) *PartRecord {
	p, ok := o.Parts[partIndex]
	if !ok {
		p = &PartRecord{}
		o.Parts[partIndex] = p
	}
	return p
}

// nonUploaded returns the part indices not yet committed.
func (o *ObjectState) nonUploaded() []int64 {
	var out []int64
	for idx, p := range o.Parts {
		if !p.Uploaded {
			out = append(out, idx)
		}
	}
	return out
}
