// Package media reaches the external real-time media collaborator through deadline-bounded
// request/response round-trips.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every collaborator round-trip unless configured otherwise.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout indicates the collaborator did not answer before the deadline.
	ErrTimeout = errors.New("media: collaborator round-trip timed out")
	// ErrRemote indicates the collaborator answered with an error.
	ErrRemote = errors.New("media: collaborator rejected request")
	// ErrClosed indicates the channel to the collaborator went away.
	ErrClosed = errors.New("media: channel closed")

	errMissingSender = errors.New("media: sender is required")
)

// Request is an outbound call awaiting a Reply with the same ID.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply answers one Request.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Sender delivers a request to the collaborator. It must not block on the reply.
type Sender func(Request) error

// Calls tracks in-flight requests as futures resolved by Resolve or failed by their deadline.
type Calls struct {
	send    Sender
	timeout time.Duration
	newID   func() string

	mu      sync.Mutex
	pending map[string]chan Reply
	closed  chan struct{}
	once    sync.Once
}

// NewCalls constructs a future table. A non-positive timeout selects DefaultTimeout.
func NewCalls(send Sender, timeout time.Duration) (*Calls, error) {
	if send == nil {
		return nil, errMissingSender
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Calls{
		send:    send,
		timeout: timeout,
		newID:   uuid.NewString,
		pending: make(map[string]chan Reply),
		closed:  make(chan struct{}),
	}, nil
}

// Timeout reports the per-call deadline.
func (c *Calls) Timeout() time.Duration {
	return c.timeout
}

// Call sends method with params and decodes the reply into result (which may be nil).
// It fails with ErrTimeout once the deadline passes and with ctx.Err() if ctx ends first.
func (c *Calls) Call(ctx context.Context, method string, params any, result any) error {
	var encoded json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("media: encode %s params: %w", method, err)
		}
		encoded = raw
	}

	id := c.newID()
	replies := make(chan Reply, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, method)
	default:
	}
	c.pending[id] = replies
	c.mu.Unlock()
	defer c.forget(id)

	deadline, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.send(Request{ID: id, Method: method, Params: encoded}); err != nil {
		return fmt.Errorf("media: send %s: %w", method, err)
	}

	var reply Reply
	select {
	case reply = <-replies:
	case <-c.closed:
		return fmt.Errorf("%w: %s", ErrClosed, method)
	case <-deadline.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)
	}

	if reply.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrRemote, method, reply.Error)
	}
	if result == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, result); err != nil {
		return fmt.Errorf("media: decode %s result: %w", method, err)
	}
	return nil
}

// Resolve completes the future named by reply.ID. Late or unknown replies are dropped.
func (c *Calls) Resolve(reply Reply) bool {
	c.mu.Lock()
	replies, ok := c.pending[reply.ID]
	if ok {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	replies <- reply
	return true
}

// Pending reports how many calls are awaiting a reply.
func (c *Calls) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending and future call with ErrClosed.
func (c *Calls) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
	})
}

func (c *Calls) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
