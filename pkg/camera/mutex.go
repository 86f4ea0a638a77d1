package camera

import (
	"context"
	"sync"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
)

// AdmissionPolicy decides what happens to a capture that arrives while the
// hardware channel is held.
type AdmissionPolicy int

const (
	// PolicyReject fails the newcomer immediately with a busy error naming
	// the blocking operation.
	PolicyReject AdmissionPolicy = iota
	// PolicyQueue lets exactly one newcomer wait its turn; a third
	// concurrent caller is rejected. The bound keeps a backlog from piling
	// up against slow hardware.
	PolicyQueue
)

type grant struct {
	token uint64
	err   error
}

type waiter struct {
	op    provider.OpContext
	ready chan grant
}

// CaptureMutex serializes operations on the single hardware capture channel.
// It is the only exclusion primitive in this layer: the preview loop never
// holds it, captures always do. Ownership is tracked by token so a stale
// release after ForceRelease cannot free a lock someone else now holds.
type CaptureMutex struct {
	policy AdmissionPolicy

	mu     sync.Mutex
	held   bool
	owner  uint64
	nextID uint64
	holder provider.OpContext
	queued *waiter
}

func NewCaptureMutex(policy AdmissionPolicy) *CaptureMutex {
	return &CaptureMutex{policy: policy}
}

// Run executes fn while holding the lock, releasing it on every exit path.
// If the lock is held, admission follows the configured policy; a queued
// caller also gives up when ctx is done.
func (c *CaptureMutex) Run(ctx context.Context, op provider.OpContext, fn func() error) error {
	token, err := c.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer c.release(token)
	return fn()
}

// Holder returns the operation currently owning the channel, if any.
func (c *CaptureMutex) Holder() (provider.OpContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder, c.held
}

// ForceRelease unconditionally clears the lock and fails any queued waiter.
// Escape hatch for crash-recovery passes that find the system inconsistent;
// the operation that held the lock must already be dead.
func (c *CaptureMutex) ForceRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
	c.owner = 0
	c.holder = provider.OpContext{}
	if c.queued != nil {
		c.queued.ready <- grant{err: provider.E(provider.KindCaptureBusy, "capture.queue",
			"lock force-released while queued", nil)}
		c.queued = nil
	}
}

func (c *CaptureMutex) acquire(ctx context.Context, op provider.OpContext) (uint64, error) {
	c.mu.Lock()
	if !c.held {
		c.nextID++
		c.held = true
		c.owner = c.nextID
		c.holder = op
		token := c.owner
		c.mu.Unlock()
		return token, nil
	}

	if c.policy == PolicyReject || c.queued != nil {
		holder := c.holder
		c.mu.Unlock()
		return 0, provider.BusyErr(op.Name, holder)
	}

	w := &waiter{op: op, ready: make(chan grant, 1)}
	c.queued = w
	c.mu.Unlock()

	select {
	case g := <-w.ready:
		return g.token, g.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.queued == w {
			c.queued = nil
			c.mu.Unlock()
			return 0, ctx.Err()
		}
		c.mu.Unlock()
		// Raced with release: the lock was handed to us, give it straight back.
		if g := <-w.ready; g.err == nil {
			c.release(g.token)
		}
		return 0, ctx.Err()
	}
}

func (c *CaptureMutex) release(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held || c.owner != token {
		// Force-released out from under us; someone else may hold it now.
		return
	}
	if w := c.queued; w != nil {
		// Hand off without dropping held, so a reject-mode caller arriving
		// between release and the waiter waking still sees it busy.
		c.queued = nil
		c.nextID++
		c.owner = c.nextID
		c.holder = w.op
		w.ready <- grant{token: c.owner}
		return
	}
	c.held = false
	c.owner = 0
	c.holder = provider.OpContext{}
}
