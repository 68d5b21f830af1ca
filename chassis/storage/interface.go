package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicate is returned by journals for an already recorded message.
var ErrDuplicate = errors.New("duplicated entry")

// Config - ...
type Config struct {
	DSN string
}

// Entry is one processed queue message.
type Entry struct {
	MessageID   string
	Method      string
	Params      map[string]string
	Result      map[string]string
	ProcessedDt time.Time
}

// Journal records processed messages. Record must be idempotent on
// MessageID so that redelivered messages can be handled twice.
type Journal interface {
	Record(ctx context.Context, entry *Entry) error
}

// Cleaner drops journal entries older than expiration seconds and
// returns how many were removed.
type Cleaner interface {
	CleanOld(ctx context.Context, expiration int) (int, error)
}

// MemoryJournal - in-process Journal.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryJournal ...
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: map[string]*Entry{}}
}

// Record ...
func (j *MemoryJournal) Record(_ context.Context, entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[entry.MessageID]; ok {
		return ErrDuplicate
	}
	j.entries[entry.MessageID] = entry
	j.order = append(j.order, entry.MessageID)
	return nil
}

// Entries returns recorded entries in insertion order.
func (j *MemoryJournal) Entries() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := make([]*Entry, 0, len(j.order))
	for _, id := range j.order {
		result = append(result, j.entries[id])
	}
	return result
}

// CleanOld ...
func (j *MemoryJournal) CleanOld(_ context.Context, expiration int) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	border := time.Now().Add(-time.Duration(expiration) * time.Second)
	kept := j.order[:0]
	cleaned := 0
	for _, id := range j.order {
		if j.entries[id].ProcessedDt.Before(border) {
			delete(j.entries, id)
			cleaned++
			continue
		}
		kept = append(kept, id)
	}
	j.order = kept
	return cleaned, nil
}
