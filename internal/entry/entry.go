// Package entry models persisted config entries: one validated connection to a
// remote account, keyed for duplicate detection by (domain, unique id).
package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an entry id is unknown.
	ErrNotFound = errors.New("entry: not found")
	// ErrDuplicate is returned when an entry with the same domain and unique id already exists.
	ErrDuplicate = errors.New("entry: unique id already configured")
)

// Entry is a persisted, validated connection.
type Entry struct {
	// EntryID uniquely identifies the entry across restarts.
	EntryID string `json:"entry_id"`
	// Domain names the integration that created the entry (e.g. "onlycat").
	Domain string `json:"domain"`
	// Title is the human readable label.
	Title string `json:"title"`
	// UniqueID identifies the remote account; at most one entry per domain may hold it.
	UniqueID string `json:"unique_id"`
	// Version is the flow version that created the entry.
	Version int `json:"version"`
	// Source records how the entry was created ("user", "import").
	Source string `json:"source"`
	// Data holds integration specific values such as credentials.
	Data map[string]string `json:"data"`
	// CreatedAt is the creation timestamp in UTC.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last modification timestamp in UTC.
	UpdatedAt time.Time `json:"updated_at"`

	// Path is the backing location assigned by the store (not persisted).
	Path string `json:"-"`
}

// New builds an entry with a fresh id and timestamps.
func New(domain, title, uniqueID string, version int, data map[string]string) *Entry {
	now := time.Now().UTC()
	return &Entry{
		EntryID:   uuid.NewString(),
		Domain:    domain,
		Title:     title,
		UniqueID:  uniqueID,
		Version:   version,
		Source:    "user",
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone copies the entry, duplicating the data map.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Validate checks the fields every store relies on.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("entry: entry is nil")
	}
	if e.EntryID == "" {
		return fmt.Errorf("entry: entry_id is empty")
	}
	if e.Domain == "" {
		return fmt.Errorf("entry: domain is empty for %s", e.EntryID)
	}
	return nil
}

// Redacted returns a copy safe for API responses and logs: secret data values are masked.
func (e *Entry) Redacted(secretKeys ...string) *Entry {
	c := e.Clone()
	if c == nil {
		return nil
	}
	for _, key := range secretKeys {
		if _, ok := c.Data[key]; ok {
			c.Data[key] = "**REDACTED**"
		}
	}
	return c
}

// Store abstracts persistence of config entries across restarts.
type Store interface {
	// List returns all entries stored in the backend.
	List(ctx context.Context) ([]*Entry, error)
	// Save persists the entry, replacing any existing one with the same EntryID.
	// It returns the backing location.
	Save(ctx context.Context, e *Entry) (string, error)
	// Delete removes the entry identified by entryID.
	Delete(ctx context.Context, entryID string) error
}
