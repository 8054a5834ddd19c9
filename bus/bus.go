// Package bus fans typed feed events out to registered listeners in-process.
// Delivery is synchronous and in registration order; a failing listener is
// isolated from the producer and from its siblings. The bus itself applies no
// flow control: sinks doing blocking I/O wrap themselves in a
// BufferedListener or bring their own backpressure.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"smartfeed/logger"
	"smartfeed/models"
)

// Token identifies one registration for later removal.
type Token string

type registration struct {
	token Token
	fn    func(models.Event)
}

type Bus struct {
	mu        sync.RWMutex
	listeners []registration
	log       *logger.Log
}

func New() *Bus {
	return &Bus{log: logger.GetLogger()}
}

// Subscribe registers fn and returns the token that removes it again.
func (b *Bus) Subscribe(fn func(models.Event)) Token {
	token := Token(uuid.New().String())
	b.mu.Lock()
	b.listeners = append(b.listeners, registration{token: token, fn: fn})
	b.mu.Unlock()
	return token
}

// Unsubscribe removes the registration for token; unknown tokens are no-ops.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.listeners {
		if reg.token == token {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every listener in registration order. A panicking
// listener is recovered and logged; the remaining listeners still run.
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	regs := make([]registration, len(b.listeners))
	copy(regs, b.listeners)
	b.mu.RUnlock()

	for _, reg := range regs {
		b.deliver(reg, evt)
	}
}

func (b *Bus) deliver(reg registration, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"event": string(evt.EventType()),
				"panic": r,
			}).Error("listener panicked")
		}
	}()
	reg.fn(evt)
}

// Len reports the current number of listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close drops every registration. Used only at full teardown.
func (b *Bus) Close() {
	b.mu.Lock()
	b.listeners = nil
	b.mu.Unlock()
}
