// Package journal records every relay action (switches and stops) so
// operators can see who moved the stream, when and why.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Entry is one executed relay action.
type Entry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	Action       string    `json:"action"`
	Trigger      string    `json:"trigger"`
	Target       string    `json:"target"`
	Previous     string    `json:"previous"`
	Reason       string    `json:"reason,omitempty"`
	Changed      bool      `json:"changed"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	Destinations []string  `json:"destinations,omitempty"`
	DurationMs   int64     `json:"durationMs"`
}

// Sink receives entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// Store is a Sink that can list what it recorded.
type Store interface {
	Sink
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
}

// Fanout records into every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps the most recent entries in a bounded ring.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	nextID  int64
}

// NewMemory builds a ring holding up to size entries.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 200
	}
	return &Memory{max: size}
}

func (m *Memory) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	entry.Destinations = append([]string(nil), entry.Destinations...)
	m.entries = append(m.entries, entry)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
