package streams

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// disposable lets the registry tear down a signaler without knowing its
// payload type.
type disposable interface {
	Cancel()
}

type entry struct {
	signaler  disposable
	expiresAt time.Time
}

// Registry holds live streams by ID with per-stream expiry. Streams that are
// never consumed are disposed by the janitor once their TTL passes.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	capacity int
	logger   *slog.Logger
}

// NewRegistry creates a stream registry. capacity is the queue size for
// streams it creates; zero uses DefaultQueueCapacity.
func NewRegistry(capacity int, logger *slog.Logger) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		capacity: capacity,
		logger:   logger.With("component", "streams"),
	}
}

// GetOrCreate returns the stream with the given ID, creating it with the TTL
// if absent. Both sides of a relay call this and meet on the same ID; either
// may arrive first. An existing entry whose payload type differs is disposed
// and replaced, since the old party can never consume the new payload.
func GetOrCreate[T any](r *Registry, id string, ttl time.Duration) *Signaler[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		if sig, ok := e.signaler.(*Signaler[T]); ok {
			e.expiresAt = time.Now().Add(ttl)
			return sig
		}
		r.logger.Warn("stream payload type mismatch, recreating", "stream_id", id)
		e.signaler.Cancel()
		delete(r.entries, id)
	}

	sig := NewSignaler[T](r.capacity)
	r.entries[id] = &entry{signaler: sig, expiresAt: time.Now().Add(ttl)}
	return sig
}

// Remove disposes the stream with the given ID, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		e.signaler.Cancel()
	}
}

// Len reports the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweep disposes every expired entry and returns how many it removed.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var expired []disposable
	for id, e := range r.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e.signaler)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, sig := range expired {
		sig.Cancel()
	}
	if len(expired) > 0 {
		r.logger.Debug("expired streams disposed", "count", len(expired))
	}
	return len(expired)
}

// StartJanitor sweeps expired streams at the given interval until the context
// is canceled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}
