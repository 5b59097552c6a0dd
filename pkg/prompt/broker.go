// Package prompt implements the rendezvous between a tool waiting inside an
// agent turn and an asynchronous user response arriving on the transport.
package prompt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when no response arrives before the deadline.
var ErrTimeout = fmt.Errorf("prompt timed out waiting for user response")

// Broker holds the pending prompts for one session. Registrations come from
// the tool goroutine, fulfilments from the transport goroutine.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func NewBroker() *Broker {
	return &Broker{pending: make(map[string]chan string)}
}

// Register creates a single-shot completion slot for id. The returned channel
// receives exactly one value if the prompt is fulfilled.
func (b *Broker) Register(id string) <-chan string {
	ch := make(chan string, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

// Fulfill completes a pending prompt. It is idempotent: fulfilling an unknown
// or already-completed id is a no-op and returns false.
func (b *Broker) Fulfill(id, data string) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- data
	return true
}

// Cancel removes a pending prompt without completing it.
func (b *Broker) Cancel(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// CancelAll drops every pending prompt, used when a session disconnects.
func (b *Broker) CancelAll() {
	b.mu.Lock()
	b.pending = make(map[string]chan string)
	b.mu.Unlock()
}

// Len reports the number of prompts currently awaiting a response.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Wait blocks until the prompt is fulfilled, the timeout elapses, or ctx is
// cancelled. The entry is removed in every outcome.
func (b *Broker) Wait(ctx context.Context, id string, ch <-chan string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		return data, nil
	case <-timer.C:
		b.Cancel(id)
		return "", ErrTimeout
	case <-ctx.Done():
		b.Cancel(id)
		return "", ctx.Err()
	}
}
