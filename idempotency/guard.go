// Package idempotency suppresses duplicate externally visible actions.
// Every side-effecting action computes a stable key first; the guard hands
// out exactly one fresh reservation per key and replays the committed
// result to everyone else, across retries and across runs.
package idempotency

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Key computes the fingerprint for an action from its semantically
// relevant fields. Extra correlation values are appended in caller order.
func Key(anomalyID, actionType string, extra ...string) string {
	parts := append([]string{anomalyID, actionType}, extra...)
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// Reservation is the answer to CheckAndReserve.
type Reservation string

const (
	// Fresh means the caller owns the action and must Commit or Release.
	Fresh Reservation = "fresh"

	// Duplicate means the action already ran; the stored result applies.
	Duplicate Reservation = "duplicate"
)

// Store persists committed results keyed by fingerprint. Put must be
// first-write-wins so concurrent processes cannot overwrite each other.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, result json.RawMessage) error
}

// Guard coordinates reservations in-process and durably records committed
// results through the store. In-flight reservations do not survive a crash;
// that is intentional, a crashed attempt must not block retries forever.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
	store    Store
}

// NewGuard creates a guard over the given store.
func NewGuard(store Store) *Guard {
	return &Guard{
		inflight: make(map[string]chan struct{}),
		store:    store,
	}
}

// CheckAndReserve claims the key for the caller. Exactly one concurrent
// caller per key observes Fresh; the others block until the owner commits
// or releases, then observe Duplicate (with the stored result) or inherit
// the reservation if the owner released without committing.
func (g *Guard) CheckAndReserve(ctx context.Context, key string) (Reservation, json.RawMessage, error) {
	for {
		g.mu.Lock()
		stored, ok, err := g.store.Get(ctx, key)
		if err != nil {
			g.mu.Unlock()
			return "", nil, fmt.Errorf("idempotency lookup %s: %w", key, err)
		}
		if ok {
			g.mu.Unlock()
			return Duplicate, stored, nil
		}

		wait, busy := g.inflight[key]
		if !busy {
			g.inflight[key] = make(chan struct{})
			g.mu.Unlock()
			return Fresh, nil, nil
		}
		g.mu.Unlock()

		select {
		case <-wait:
			// Owner finished; loop to observe the committed result or
			// take over a released reservation.
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// Commit durably records the result for the key and wakes any waiters.
func (g *Guard) Commit(ctx context.Context, key string, result json.RawMessage) error {
	if err := g.store.Put(ctx, key, result); err != nil {
		return fmt.Errorf("idempotency commit %s: %w", key, err)
	}
	g.finish(key)
	return nil
}

// Release abandons a fresh reservation after a failed attempt so the next
// caller can try again.
func (g *Guard) Release(key string) {
	g.finish(key)
}

func (g *Guard) finish(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait, ok := g.inflight[key]; ok {
		close(wait)
		delete(g.inflight, key)
	}
}
