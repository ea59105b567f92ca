package entry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Registry is the in-memory index of configured entries, backed by a Store.
// It is the single place that enforces one entry per (domain, unique id).
type Registry struct {
	store Store

	mu       sync.RWMutex
	byID     map[string]*Entry
	byUnique map[uniqueKey]string

	reload singleflight.Group
}

type uniqueKey struct {
	domain   string
	uniqueID string
}

// NewRegistry creates an empty registry over store. Call Load to populate it.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:    store,
		byID:     make(map[string]*Entry),
		byUnique: make(map[uniqueKey]string),
	}
}

// Store returns the backing store.
func (r *Registry) Store() Store {
	return r.store
}

// Load rebuilds the index from the store. Concurrent calls share one store read.
func (r *Registry) Load(ctx context.Context) error {
	_, err, _ := r.reload.Do("load", func() (any, error) {
		entries, err := r.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("entry registry: list entries: %w", err)
		}
		byID := make(map[string]*Entry, len(entries))
		byUnique := make(map[uniqueKey]string, len(entries))
		for _, e := range entries {
			if e.UniqueID != "" {
				key := uniqueKey{domain: e.Domain, uniqueID: e.UniqueID}
				if existing, dup := byUnique[key]; dup {
					log.WithFields(log.Fields{"entry_id": e.EntryID, "unique_id": e.UniqueID}).
						Warnf("entry registry: ignoring duplicate of %s", existing)
					continue
				}
				byUnique[key] = e.EntryID
			}
			byID[e.EntryID] = e
		}
		r.mu.Lock()
		r.byID = byID
		r.byUnique = byUnique
		r.mu.Unlock()
		log.Debugf("entry registry: loaded %d entries", len(byID))
		return nil, nil
	})
	return err
}

// IsConfigured reports whether an entry with the given domain and unique id exists.
func (r *Registry) IsConfigured(domain, uniqueID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUnique[uniqueKey{domain: domain, uniqueID: uniqueID}]
	return ok
}

// Add persists e unless its unique id is already configured for the domain.
func (r *Registry) Add(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := uniqueKey{domain: e.Domain, uniqueID: e.UniqueID}
	if e.UniqueID != "" {
		if _, exists := r.byUnique[key]; exists {
			return ErrDuplicate
		}
	}
	if _, err := r.store.Save(ctx, e); err != nil {
		return fmt.Errorf("entry registry: save entry: %w", err)
	}
	r.byID[e.EntryID] = e.Clone()
	if e.UniqueID != "" {
		r.byUnique[key] = e.EntryID
	}
	return nil
}

// Remove deletes the entry from the store and the index.
func (r *Registry) Remove(ctx context.Context, entryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[entryID]
	if !ok {
		return ErrNotFound
	}
	if err := r.store.Delete(ctx, entryID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("entry registry: delete entry: %w", err)
	}
	delete(r.byID, entryID)
	if e.UniqueID != "" {
		delete(r.byUnique, uniqueKey{domain: e.Domain, uniqueID: e.UniqueID})
	}
	return nil
}

// Get returns a copy of the entry with entryID.
func (r *Registry) Get(entryID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// List returns copies of all entries, optionally filtered by domain, oldest first.
func (r *Registry) List(domain string) []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		if domain != "" && e.Domain != domain {
			continue
		}
		out = append(out, e.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EntryID < out[j].EntryID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WaitLoaded loads the registry, retrying transient store failures until ctx ends.
func (r *Registry) WaitLoaded(ctx context.Context, interval time.Duration) error {
	for {
		err := r.Load(ctx)
		if err == nil {
			return nil
		}
		log.WithError(err).Warn("entry registry: initial load failed, retrying")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(interval):
		}
	}
}
