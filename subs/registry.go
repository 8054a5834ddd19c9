// Package subs tracks the bounded set of subscribed instrument keys and
// builds the matching subscribe/unsubscribe wire requests.
package subs

import (
	"context"
	"sync"

	"smartfeed/logger"
	"smartfeed/models"
	"smartfeed/wire"
)

// DefaultMaxSubs bounds the registry when no limit is configured.
const DefaultMaxSubs = 500

// Status is the caller-visible outcome of a registry operation. Capacity and
// readiness problems are reported as statuses, never as errors.
type Status string

const (
	StatusSubscribed         Status = "subscribed"
	StatusAlreadyActive      Status = "already_active"
	StatusLimitReached       Status = "limit_reached"
	StatusConnectionNotReady Status = "connection_not_ready"
	StatusSendFailed         Status = "send_failed"
	StatusUnsubscribed       Status = "unsubscribed"
	StatusNotSubscribed      Status = "not_subscribed"
)

// Conn is the slice of the connection manager the registry needs: readiness
// and the ability to write a control frame.
type Conn interface {
	Ready() bool
	Send(ctx context.Context, frame []byte) error
}

// Registry is safe for concurrent use. The key set is mutated ahead of the
// socket write so a concurrent duplicate call observes the entry, and rolled
// back if the write fails so state reflects reality.
type Registry struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	maxSubs int
	mode    wire.Mode
	log     *logger.Log
}

func NewRegistry(maxSubs int, mode wire.Mode) *Registry {
	if maxSubs <= 0 {
		maxSubs = DefaultMaxSubs
	}
	return &Registry{
		keys:    make(map[string]struct{}),
		maxSubs: maxSubs,
		mode:    mode,
		log:     logger.GetLogger(),
	}
}

// Subscribe adds key to the set and sends the subscribe request over conn.
// Duplicate calls are idempotent no-ops.
func (r *Registry) Subscribe(ctx context.Context, key string, conn Conn) Status {
	key = models.NormalizeInstrumentKey(key)
	log := r.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": key})

	r.mu.Lock()
	if _, ok := r.keys[key]; ok {
		r.mu.Unlock()
		log.Warn("already subscribed")
		return StatusAlreadyActive
	}
	if len(r.keys) >= r.maxSubs {
		r.mu.Unlock()
		log.WithFields(logger.Fields{"max_subs": r.maxSubs}).Warn("subscription limit reached")
		return StatusLimitReached
	}
	if !conn.Ready() {
		r.mu.Unlock()
		log.Warn("feed connection not open, cannot subscribe")
		return StatusConnectionNotReady
	}
	r.keys[key] = struct{}{}
	r.mu.Unlock()

	if err := r.send(ctx, conn, wire.OpSubscribe, key); err != nil {
		r.mu.Lock()
		delete(r.keys, key)
		r.mu.Unlock()
		log.WithError(err).Error("failed to send subscribe request")
		return StatusSendFailed
	}
	log.WithFields(logger.Fields{"mode": r.mode.String()}).Info("subscribed")
	return StatusSubscribed
}

// Unsubscribe removes key from the set and sends the unsubscribe request.
// The key is re-added if the send fails.
func (r *Registry) Unsubscribe(ctx context.Context, key string, conn Conn) Status {
	key = models.NormalizeInstrumentKey(key)
	log := r.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": key})

	r.mu.Lock()
	if _, ok := r.keys[key]; !ok {
		r.mu.Unlock()
		log.Warn("not subscribed")
		return StatusNotSubscribed
	}
	if !conn.Ready() {
		r.mu.Unlock()
		log.Warn("feed connection not open, cannot unsubscribe")
		return StatusConnectionNotReady
	}
	delete(r.keys, key)
	r.mu.Unlock()

	if err := r.send(ctx, conn, wire.OpUnsubscribe, key); err != nil {
		r.mu.Lock()
		r.keys[key] = struct{}{}
		r.mu.Unlock()
		log.WithError(err).Error("failed to send unsubscribe request")
		return StatusSendFailed
	}
	log.Info("unsubscribed")
	return StatusUnsubscribed
}

func (r *Registry) send(ctx context.Context, conn Conn, op wire.Operation, key string) error {
	frame, err := wire.EncodeRequest(op, r.mode, []string{key})
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// IsSubscribed reports whether key is currently in the set.
func (r *Registry) IsSubscribed(key string) bool {
	key = models.NormalizeInstrumentKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// List returns a snapshot copy of the current keys.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.keys))
	for key := range r.keys {
		keys = append(keys, key)
	}
	return keys
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Mode returns the feed mode the registry subscribes with.
func (r *Registry) Mode() wire.Mode { return r.mode }

// Clear empties the set. Used only at full shutdown or reset.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.keys = make(map[string]struct{})
	r.mu.Unlock()
	r.log.WithComponent("subscription").Info("all subscriptions cleared")
}
