// Package notify coalesces upstream list-change events into debounced
// notifications for the downstream client.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

// DefaultDebounce is the window within which change events of one kind
// collapse into a single outbound notification.
const DefaultDebounce = 500 * time.Millisecond

// Coordinator attaches to a session's connectors and forwards debounced
// list-change notifications. One coordinator per session.
type Coordinator struct {
	logger   *zap.Logger
	debounce time.Duration
	emit     func(kind upstream.ChangeKind)

	mu       sync.Mutex
	timers   map[upstream.ChangeKind]*time.Timer
	attached map[upstream.Connector]int
	detached bool
}

// NewCoordinator creates a coordinator emitting through emit once per kind
// per debounce window.
func NewCoordinator(debounce time.Duration, emit func(kind upstream.ChangeKind), logger *zap.Logger) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		logger:   logger,
		debounce: debounce,
		emit:     emit,
		timers:   make(map[upstream.ChangeKind]*time.Timer),
		attached: make(map[upstream.Connector]int),
	}
}

// Attach subscribes to conn's change events. Attaching the same connector
// twice is a no-op.
func (c *Coordinator) Attach(conn upstream.Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	if _, ok := c.attached[conn]; ok {
		return
	}
	id := conn.AddChangeListener(c.handleChange)
	c.attached[conn] = id
}

// handleChange resets the per-kind debounce timer. Rapid changes across any
// number of upstreams collapse to one outbound event per kind per window.
func (c *Coordinator) handleChange(kind upstream.ChangeKind, ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}

	c.logger.Debug("Upstream list changed",
		zap.String("kind", string(kind)),
		zap.String("namespace", ns))

	if timer, ok := c.timers[kind]; ok {
		timer.Reset(c.debounce)
		return
	}
	c.timers[kind] = time.AfterFunc(c.debounce, func() {
		c.fire(kind)
	})
}

func (c *Coordinator) fire(kind upstream.ChangeKind) {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	delete(c.timers, kind)
	c.mu.Unlock()

	c.emit(kind)
}

// DetachAll removes every registered listener exactly once and cancels all
// pending timers. Safe to call more than once.
func (c *Coordinator) DetachAll() {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	attached := c.attached
	c.attached = make(map[upstream.Connector]int)
	for kind, timer := range c.timers {
		timer.Stop()
		delete(c.timers, kind)
	}
	c.mu.Unlock()

	for conn, id := range attached {
		conn.RemoveChangeListener(id)
	}
}

// AttachedCount reports the number of subscribed connectors.
func (c *Coordinator) AttachedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attached)
}
