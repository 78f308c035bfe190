// Package queuestore implements the durable, file-backed FIFO queue
// consumed by the upload finite state machine (spec §4.4): Put, Take,
// Complete, Retry, Enumerate, Stats, each task a JSON file named by a
// zero-padded monotonic sequence so a directory listing sorts in FIFO
// order, crash-safe via atomic temp-file-then-rename writes (grounded on
// the temp-file-then-rename checkpoint persistence pattern used elsewhere
// in this codebase).
package queuestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emidln/s3-journal/internal/clock"
)

// Sentinel is returned by TakeTimeout when no task became available before
// the timeout elapsed.
var Sentinel = &Task{}

// Stats reports the durable queue's pending backlog for one topic.
type Stats struct {
	Topic        string
	Pending      int
	OldestPending time.Duration
}

// Options configures a Store.
type Options struct {
	Dir      string
	FsyncPut bool
	Clock    clock.Clock
}

// Store is a directory-backed durable queue. One Store instance owns one
// directory; topics partition into subdirectories of Dir.
type Store struct {
	dir      string
	fsyncPut bool
	clk      clock.Clock

	seq atomic.Uint64

	mu      sync.Mutex
	claimed map[string]map[uint64]bool // topic -> seq -> claimed
	wake    map[string]chan struct{}   // topic -> notification channel
}

// Open creates (if needed) the queue directory and returns a Store.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("queuestore: Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("queuestore: create dir: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Store{
		dir:      opts.Dir,
		fsyncPut: opts.FsyncPut,
		clk:      clk,
		claimed:  make(map[string]map[uint64]bool),
		wake:     make(map[string]chan struct{}),
	}
	highest, err := s.scanHighestSeq()
	if err != nil {
		return nil, err
	}
	s.seq.Store(highest)
	return s, nil
}

func (s *Store) topicDir(topic string) string {
	return filepath.Join(s.dir, topic)
}

func (s *Store) taskPath(topic string, seq uint64) string {
	return filepath.Join(s.topicDir(topic), fmt.Sprintf("%020d.json", seq))
}

func (s *Store) scanHighestSeq() (uint64, error) {
	var highest uint64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("queuestore: scan dir: %w", err)
	}
	for _, topicEntry := range entries {
		if !topicEntry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, topicEntry.Name()))
		if err != nil {
			return 0, fmt.Errorf("queuestore: scan topic dir: %w", err)
		}
		for _, f := range files {
			seq, ok := parseSeqName(f.Name())
			if ok && seq > highest {
				highest = seq
			}
		}
	}
	return highest, nil
}

func parseSeqName(name string) (uint64, bool) {
	name = strings.TrimSuffix(name, ".json")
	if len(name) != 20 {
		return 0, false
	}
	n, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Put durably appends payload under topic, returning the assigned Task.
func (s *Store) Put(topic string, payload []byte) (*Task, error) {
	dir := s.topicDir(topic)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queuestore: create topic dir: %w", err)
	}
	seq := s.seq.Add(1)
	task := &Task{
		Seq:        seq,
		Topic:      topic,
		Payload:    json.RawMessage(append([]byte{}, payload...)),
		EnqueuedAt: s.clk.Now(),
	}
	if err := s.writeTask(dir, task); err != nil {
		return nil, err
	}
	s.notify(topic)
	return task, nil
}

func (s *Store) writeTask(dir string, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queuestore: marshal task: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%020d.json", task.Seq))
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("queuestore: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queuestore: write temp file: %w", err)
	}
	if s.fsyncPut {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("queuestore: fsync temp file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queuestore: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queuestore: rename temp file: %w", err)
	}
	if s.fsyncPut {
		if dirf, err := os.Open(dir); err == nil {
			dirf.Sync()
			dirf.Close()
		}
	}
	return nil
}

func (s *Store) notify(topic string) {
	s.mu.Lock()
	ch := s.wake[topic]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Store) wakeChan(topic string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.wake[topic]
	if !ok {
		ch = make(chan struct{}, 1)
		s.wake[topic] = ch
	}
	return ch
}

func (s *Store) isClaimed(topic string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed[topic] != nil && s.claimed[topic][seq]
}

func (s *Store) claim(topic string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[topic] == nil {
		s.claimed[topic] = make(map[uint64]bool)
	}
	s.claimed[topic][seq] = true
}

func (s *Store) unclaim(topic string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[topic] != nil {
		delete(s.claimed[topic], seq)
	}
}

// lowestUnclaimed re-scans topic's directory for the lowest-sequence file
// not already claimed by an in-flight Take, and claims it if found.
func (s *Store) lowestUnclaimed(topic string) (*Task, error) {
	files, err := os.ReadDir(s.topicDir(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queuestore: read topic dir: %w", err)
	}
	var names []string
	for _, f := range files {
		if _, ok := parseSeqName(f.Name()); ok {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		seq, _ := parseSeqName(name)
		if s.isClaimed(topic, seq) {
			continue
		}
		task, err := s.readTask(topic, seq)
		if err != nil {
			if os.IsNotExist(err) {
				continue // completed concurrently
			}
			return nil, err
		}
		s.claim(topic, seq)
		return task, nil
	}
	return nil, nil
}

func (s *Store) readTask(topic string, seq uint64) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(topic, seq))
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("queuestore: parse task %d: %w", seq, err)
	}
	return &task, nil
}

// Take blocks until a task becomes available on topic or ctx is cancelled.
func (s *Store) Take(ctx context.Context, topic string) (*Task, error) {
	for {
		task, err := s.lowestUnclaimed(topic)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		wake := s.wakeChan(topic)
		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TakeTimeout blocks for at most timeout; it returns Sentinel (not an
// error) if no task became available in time. Used by the consumer's
// close-drain path (spec §4.6 step 2: a 5-second bounded take with an
// exhaustion sentinel).
func (s *Store) TakeTimeout(topic string, timeout time.Duration) (*Task, error) {
	deadline := s.clk.Now().Add(timeout)
	for {
		task, err := s.lowestUnclaimed(topic)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		remaining := deadline.Sub(s.clk.Now())
		if remaining <= 0 {
			return Sentinel, nil
		}
		wake := s.wakeChan(topic)
		select {
		case <-wake:
			continue
		case <-s.clk.After(remaining):
			return Sentinel, nil
		}
	}
}

// Complete acks task, removing it permanently.
func (s *Store) Complete(task *Task) error {
	s.unclaim(task.Topic, task.Seq)
	if err := os.Remove(s.taskPath(task.Topic, task.Seq)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queuestore: complete task %d: %w", task.Seq, err)
	}
	return nil
}

// Retry releases task's in-process claim so the next Take can redeliver
// it, re-reading it from disk — a restart between claim and Retry is
// itself a correct redelivery, since the file was never removed.
func (s *Store) Retry(task *Task) error {
	s.unclaim(task.Topic, task.Seq)
	s.notify(task.Topic)
	return nil
}

// Enumerate lists pending tasks in topic without claiming them.
func (s *Store) Enumerate(topic string) ([]*Task, error) {
	files, err := os.ReadDir(s.topicDir(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queuestore: read topic dir: %w", err)
	}
	var names []string
	for _, f := range files {
		if _, ok := parseSeqName(f.Name()); ok {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)
	tasks := make([]*Task, 0, len(names))
	for _, name := range names {
		seq, _ := parseSeqName(name)
		task, err := s.readTask(topic, seq)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// TaskStats reports the pending backlog for topic.
func (s *Store) TaskStats(topic string) (Stats, error) {
	tasks, err := s.Enumerate(topic)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Topic: topic, Pending: len(tasks)}
	if len(tasks) > 0 {
		oldest := tasks[0].EnqueuedAt
		for _, t := range tasks[1:] {
			if t.EnqueuedAt.Before(oldest) {
				oldest = t.EnqueuedAt
			}
		}
		stats.OldestPending = s.clk.Now().Sub(oldest)
	}
	return stats, nil
}
