package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emidln/s3-journal/internal/clock"
)

type memUpload struct {
	key   string
	parts map[int]memPart
}

type memPart struct {
	etag    string
	size    int64
	payload []byte
}

// MemClient is an in-memory Client fake used by tests and by cmd/journal's
// --store=mem smoke mode. It enforces the same part-size/part-count
// invariants S3 does, grounded on the teacher's in-memory storage fake
// style: a mutex-guarded map standing in for the remote service.
type MemClient struct {
	mu      sync.Mutex
	clk     clock.Clock
	uploads map[string]*memUpload // uploadID -> upload
	objects map[string][]byte     // key -> completed object body
	nextID  int
}

// NewMem builds a MemClient.
func NewMem(clk clock.Clock) *MemClient {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemClient{
		clk:     clk,
		uploads: make(map[string]*memUpload),
		objects: make(map[string][]byte),
	}
}

func (m *MemClient) InitiateMultipartUpload(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("mem-upload-%d", m.nextID)
	m.uploads[id] = &memUpload{key: key, parts: make(map[int]memPart)}
	return id, nil
}

func (m *MemClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, payload []byte, last bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", ErrNotFound
	}
	if partNumber < 1 || partNumber > MaxPartsPerObject {
		return "", fmt.Errorf("objectstore: part number %d of %q is outside 1..%d", partNumber, key, MaxPartsPerObject)
	}
	if int64(len(payload)) > MaxPartSize {
		return "", fmt.Errorf("objectstore: part %d of %q is %d bytes, above the %d maximum", partNumber, key, len(payload), int64(MaxPartSize))
	}
	if !last && len(payload) < MinPartSize {
		return "", fmt.Errorf("objectstore: part %d of %q is %d bytes, below the %d minimum for a non-final part", partNumber, key, len(payload), MinPartSize)
	}
	etag := fmt.Sprintf("etag-%s-%d", uploadID, partNumber)
	up.parts[partNumber] = memPart{etag: etag, size: int64(len(payload)), payload: append([]byte{}, payload...)}
	return etag, nil
}

func (m *MemClient) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return ErrNotFound
	}
	sorted := append([]Part{}, parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	var body []byte
	for _, p := range sorted {
		stored, ok := up.parts[p.PartNumber]
		if !ok || stored.etag != p.ETag {
			return fmt.Errorf("objectstore: complete multipart upload %q: part %d not found or ETag mismatch", uploadID, p.PartNumber)
		}
		body = append(body, stored.payload...)
	}
	m.objects[key] = body
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return ErrNotFound
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemClient) ListMultipartUploads(ctx context.Context, prefix string) ([]Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Upload
	for id, up := range m.uploads {
		if strings.HasPrefix(up.key, prefix) {
			out = append(out, Upload{Key: up.key, UploadID: id, Started: m.clk.Now()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemClient) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []Part
	for n, p := range up.parts {
		out = append(out, Part{PartNumber: n, ETag: p.etag, Size: p.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (m *MemClient) ListObjects(ctx context.Context, prefix string) ([]ObjectSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectSummary
	for key, body := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectSummary{Key: key, Size: int64(len(body)), LastModified: m.clk.Now()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Object returns the completed body stored under key, for test assertions.
func (m *MemClient) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	return body, ok
}
