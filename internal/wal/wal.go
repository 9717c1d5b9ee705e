// Package wal provides a per-worker append-only audit log of crawl lifecycle
// events, written as JSON Lines so it can be replayed or grepped after a
// crash.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types appended by the worker loop.
const (
	EventTargetStart    = "target_start"
	EventPageComplete   = "page_complete"
	EventTargetComplete = "target_complete"
	EventTargetError    = "target_error"
	EventHeartbeat      = "heartbeat"
)

// Event is one audit record. Fields beyond Type/WorkerID/At are populated per
// event type and omitted otherwise.
type Event struct {
	Type     string    `json:"type"`
	WorkerID string    `json:"worker_id"`
	At       time.Time `json:"at"`

	TargetID     int64  `json:"target_id,omitempty"`
	PartitionKey string `json:"partition_key,omitempty"`
	Page         int    `json:"page,omitempty"`
	RecordCount  int    `json:"record_count,omitempty"`
	Error        string `json:"error,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Log appends events for a single worker to one file. Safe for concurrent
// use. Every append is flushed and fsynced before returning so the log
// survives a process kill.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	workerID string
	nowFunc  func() time.Time
}

// Open creates or appends to dir/<workerID>.wal.
func Open(dir, workerID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	path := filepath.Join(dir, workerID+".wal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal file: %w", err)
	}

	return &Log{
		file:     file,
		buf:      bufio.NewWriter(file),
		workerID: workerID,
		nowFunc:  time.Now,
	}, nil
}

// Append writes one event. The event's WorkerID and At are stamped here.
func (l *Log) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.WorkerID = l.workerID
	event.At = l.nowFunc().UTC()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal wal event: %w", err)
	}

	if _, err := l.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write wal event: %w", err)
	}
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush wal: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	return nil
}

// TargetStart records the beginning of work on a claimed target.
func (l *Log) TargetStart(targetID int64, partitionKey string, page int) error {
	return l.Append(Event{
		Type:         EventTargetStart,
		TargetID:     targetID,
		PartitionKey: partitionKey,
		Page:         page,
	})
}

// PageComplete records a committed page checkpoint.
func (l *Log) PageComplete(targetID int64, page, recordCount int) error {
	return l.Append(Event{
		Type:        EventPageComplete,
		TargetID:    targetID,
		Page:        page,
		RecordCount: recordCount,
	})
}

// TargetComplete records a finished target.
func (l *Log) TargetComplete(targetID int64, note string) error {
	return l.Append(Event{
		Type:     EventTargetComplete,
		TargetID: targetID,
		Note:     note,
	})
}

// TargetError records a failure while working a target.
func (l *Log) TargetError(targetID int64, errMsg string) error {
	return l.Append(Event{
		Type:     EventTargetError,
		TargetID: targetID,
		Error:    errMsg,
	})
}

// Heartbeat records a liveness tick for the target being worked.
func (l *Log) Heartbeat(targetID int64) error {
	return l.Append(Event{
		Type:     EventHeartbeat,
		TargetID: targetID,
	})
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush wal: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close wal: %w", err)
	}
	return nil
}

// Replay reads every event from a wal file in order. Lines that fail to parse
// are returned alongside the events read so far; a torn final line from a
// crash mid-write is tolerated and ends the replay.
func Replay(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal file: %w", err)
	}
	defer file.Close()

	var events []Event
	dec := json.NewDecoder(bufio.NewReader(file))
	for {
		var event Event
		if err := dec.Decode(&event); err != nil {
			if err == io.EOF {
				return events, nil
			}
			// Torn tail from an interrupted append.
			return events, nil
		}
		events = append(events, event)
	}
}
