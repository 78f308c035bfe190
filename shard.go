package journal

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
)

// shardIDAlphabet holds the fixed shard identifiers spec §4.8 assigns in order:
// "0"-"9" then "a"-"z", for up to 36 shards.
const shardIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Sharded fans out Put calls round-robin across N independent Journal
// instances (spec §4.8), each with its own local durable-queue directory
// and S3 prefix. There is no ordering guarantee across shards.
type Sharded struct {
	journals []*Journal
	counter  atomic.Uint64
}

// NewSharded builds N independent journals from a shared base Options,
// one per shard. Each shard receives its own local-directory
// subdirectory (<base>/<shard_id>), its own S3 prefix
// (<shard_id>/<directory_format>), and max_queue_size/N (spec §4.8). N
// must be between 1 and 36.
func NewSharded(base Options, n int) (*Sharded, error) {
	if n <= 0 || n > 36 {
		return nil, fmt.Errorf("journal: shards must be between 1 and 36, got %d", n)
	}
	perShardQueue := base.MaxQueueSize
	if perShardQueue > 0 {
		perShardQueue = perShardQueue / n
		if perShardQueue <= 0 {
			perShardQueue = 1
		}
	}

	journals := make([]*Journal, 0, n)
	for i := 0; i < n; i++ {
		shardID := string(shardIDAlphabet[i])
		opts := base
		opts.LocalDirectory = filepath.Join(base.LocalDirectory, shardID)
		opts.S3DirectoryFormat = shardDirectoryFormat(base.S3DirectoryFormat, shardID)
		opts.MaxQueueSize = perShardQueue

		j, err := New(opts)
		if err != nil {
			for _, prior := range journals {
				_ = prior.Close()
			}
			return nil, fmt.Errorf("journal: start shard %q: %w", shardID, err)
		}
		journals = append(journals, j)
	}
	return &Sharded{journals: journals}, nil
}

// shardDirectoryFormat prepends the shard id to the literal bucket-prefix
// segment of format (spec §4.8: "its own S3 prefix
// (<shard_id>/<directory_format>)"), preserving any literal prefix the
// base format already carries.
func shardDirectoryFormat(format, shardID string) string {
	if len(format) > 0 && format[0] == '\'' {
		end := 1
		for end < len(format) && format[end] != '\'' {
			end++
		}
		if end < len(format) {
			literal := format[1:end]
			rest := format[end+1:]
			return "'" + shardID + "/" + literal + "'" + rest
		}
	}
	return "'" + shardID + "'/" + format
}

// Put dispatches x to journal[counter++ % N] (spec §4.8). Return value and
// semantics match Journal.Put.
func (s *Sharded) Put(x any) bool {
	idx := s.counter.Add(1) - 1
	shard := s.journals[idx%uint64(len(s.journals))]
	return shard.Put(x)
}

// Stats merges every shard's counters numerically (spec §4.8).
func (s *Sharded) Stats() Stats {
	var total Stats
	for _, j := range s.journals {
		st := j.Stats()
		total.Enqueued += st.Enqueued
		total.Uploaded += st.Uploaded
		total.Queue.Pending += st.Queue.Pending
		if st.Queue.OldestPending > total.Queue.OldestPending {
			total.Queue.OldestPending = st.Queue.OldestPending
		}
	}
	return total
}

// Close closes each shard in sequence (spec §4.8), returning the first
// error encountered (after attempting to close every shard).
func (s *Sharded) Close() error {
	var firstErr error
	for _, j := range s.journals {
		if err := j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
