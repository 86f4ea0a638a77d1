// Package preview runs the live-view production loop and fans frames out to
// subscribers. It owns the subscriber set exclusively; nothing else may
// deliver bytes to a preview client.
package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/demux"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

// State of the production loop.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config tunes the production loop.
type Config struct {
	// FrameInterval paces pull-mode providers. Push-mode providers pace
	// themselves and ignore it.
	FrameInterval time.Duration
	// StartupTimeout bounds the wait for the first frame.
	StartupTimeout time.Duration
	// MaxConsecutiveErrors is the self-termination threshold: rather than
	// spin against dead hardware, the loop exits and lets a later
	// subscription retry from a clean engage.
	MaxConsecutiveErrors int
	// SubscriberBuffer is each subscriber channel's depth; a full channel
	// drops the frame for that subscriber only.
	SubscriberBuffer int
	// MinFrameSize guards the demuxer against spurious marker matches.
	MinFrameSize int
}

func (c *Config) applyDefaults() {
	if c.FrameInterval == 0 {
		c.FrameInterval = 66 * time.Millisecond // ~15 fps
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 4
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 4
	}
}

// Stats are loop counters exposed for health reporting.
type Stats struct {
	FramesProduced uint64    `json:"framesProduced"`
	FramesDropped  uint64    `json:"framesDropped"`
	Subscribers    int       `json:"subscribers"`
	LastFrameAt    time.Time `json:"lastFrameAt"`
	State          string    `json:"state"`
}

// Manager coordinates one camera's live-view loop with its subscribers.
//
// Lifecycle: idle until the first subscriber arrives, then the loop engages
// the provider's live view (pull or push depending on the variant) and
// broadcasts frames until the last subscriber leaves, a force-stop arrives,
// or too many consecutive production errors accumulate. At most one loop
// runs per Manager; a new loop never starts before the previous one has
// fully torn down.
type Manager struct {
	prov   provider.Provider
	cfg    Config
	logger *zap.SugaredLogger

	mu        sync.Mutex
	subs      map[string]chan []byte
	suspended int           // nesting count; the loop may only run at zero
	stop      chan struct{} // closes to ask the running loop to exit
	done      chan struct{} // closed by the loop after live view is disengaged

	state    atomic.Int32
	produced atomic.Uint64
	dropped  atomic.Uint64
	lastTick atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

func NewManager(prov provider.Provider, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		prov:   prov,
		cfg:    cfg,
		logger: utils.GetLogger(),
		subs:   make(map[string]chan []byte),
	}
	return m
}

// State returns the loop's current state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Subscribe registers a preview client and returns its frame channel. The
// first subscriber starts the production loop (unless a capture currently
// holds it suspended). The channel is closed on Unsubscribe, StopAll, or
// loop death.
func (m *Manager) Subscribe(id string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[id]; exists {
		return nil, fmt.Errorf("preview: subscriber %q already registered", id)
	}
	ch := make(chan []byte, m.cfg.SubscriberBuffer)
	m.subs[id] = ch
	if m.suspended == 0 && m.stop == nil {
		m.startLoopLocked()
	}
	return ch, nil
}

// Unsubscribe removes one client. When the last client leaves, the loop is
// asked to stop and the provider's live view is disengaged.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.subs[id]
	if !ok {
		return
	}
	delete(m.subs, id)
	close(ch)
	if len(m.subs) == 0 {
		m.signalStopLocked()
	}
}

// Suspend halts the production loop for a capture but keeps subscribers
// registered. It returns only after the loop has fully torn down and live
// view is disengaged, so the caller can fire the shutter without racing a
// frame read. Suspensions nest: each Suspend must be matched by a Resume,
// and the loop can only restart once every suspension has been lifted. A
// capture finishing while the next one is already suspended therefore
// cannot re-engage live view under the next one's shutter.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suspended++
	done := m.done
	m.signalStopLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Resume lifts one suspension. When the count reaches zero and subscribers
// are still registered the loop restarts. A no-op when nothing is suspended;
// only callers that suspended may call it.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended == 0 {
		return
	}
	m.suspended--
	if m.suspended == 0 && len(m.subs) > 0 && m.stop == nil {
		m.startLoopLocked()
	}
}

// StopAll force-stops the loop and drops every subscriber. Safe to call at
// any time, including when nothing is running.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.suspended = 0
	done := m.done
	m.signalStopLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stats snapshots the loop counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	var last time.Time
	if ns := m.lastTick.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		FramesProduced: m.produced.Load(),
		FramesDropped:  m.dropped.Load(),
		Subscribers:    n,
		LastFrameAt:    last,
		State:          m.State().String(),
	}
}

// LastErr returns the error that terminated the most recent loop, if any.
func (m *Manager) LastErr() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

func (m *Manager) setErr(err error) {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}

// signalStopLocked asks the running loop (if any) to exit. Callers hold m.mu.
func (m *Manager) signalStopLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// startLoopLocked launches a new production loop. Callers hold m.mu. The new
// goroutine first waits for the previous loop's teardown, so two loops never
// touch the provider concurrently.
func (m *Manager) startLoopLocked() {
	prevDone := m.done
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.done = done
	go m.runLoop(prevDone, stop, done)
}

func (m *Manager) runLoop(prevDone, stop, done chan struct{}) {
	if prevDone != nil {
		<-prevDone
	}
	defer close(done)

	m.state.Store(int32(StateStarting))
	m.setErr(nil)

	err := m.produce(stop)

	m.state.Store(int32(StateStopping))
	if stopErr := m.prov.StopLiveView(); stopErr != nil {
		m.logger.Warnf("preview: disengage live view: %s", stopErr)
	}
	m.state.Store(int32(StateIdle))

	if err != nil {
		m.setErr(err)
		m.logger.Warnf("preview: loop terminated: %s", err)
		// A dead loop cannot feed anyone; release the clients so their
		// handlers return instead of blocking on a silent channel.
		m.mu.Lock()
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		if m.stop == stop {
			m.stop = nil
		}
		m.mu.Unlock()
	}
}

// produce engages live view and runs the variant-appropriate loop until stop
// closes or an error threshold trips. Returns nil on a requested stop.
func (m *Manager) produce(stop chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
	err := m.prov.StartLiveView(ctx)
	cancel()
	if err != nil {
		if errors.Is(err, provider.ErrLiveViewUnsupported) {
			return err
		}
		return fmt.Errorf("engage live view: %w", err)
	}

	if pusher, ok := m.prov.(provider.FramePusher); ok {
		return m.producePush(pusher, stop)
	}
	return m.producePull(stop)
}

func (m *Manager) producePull(stop chan struct{}) error {
	ticker := time.NewTicker(m.cfg.FrameInterval)
	defer ticker.Stop()
	startupDeadline := time.Now().Add(m.cfg.StartupTimeout)
	consecutive := 0

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
		frame, err := m.prov.LiveViewFrame(ctx)
		cancel()
		switch {
		case err != nil:
			consecutive++
			m.logger.Warnf("preview: frame error (%d/%d): %s", consecutive, m.cfg.MaxConsecutiveErrors, err)
			if consecutive >= m.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("preview: %d consecutive frame errors: %w", consecutive, err)
			}
		case len(frame) == 0:
			// Paced-out frame, not an error.
		default:
			consecutive = 0
			m.broadcast(frame)
		}

		if m.State() == StateStarting && time.Now().After(startupDeadline) {
			return provider.E(provider.KindPreviewTimeout, "preview.start",
				fmt.Sprintf("no frame within %s", m.cfg.StartupTimeout), nil)
		}

		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) producePush(pusher provider.FramePusher, stop chan struct{}) error {
	frames := pusher.Frames()
	dmx := demux.New(m.cfg.MinFrameSize)
	startup := time.NewTimer(m.cfg.StartupTimeout)
	defer startup.Stop()
	seenDropped := 0
	consecutiveInvalid := 0

	for {
		select {
		case <-stop:
			return nil
		case <-startup.C:
			if m.State() == StateStarting {
				return provider.E(provider.KindPreviewTimeout, "preview.start",
					fmt.Sprintf("no frame within %s", m.cfg.StartupTimeout), nil)
			}
		case chunk, ok := <-frames:
			if !ok {
				// Push channel closed under us: the provider's reconnect
				// policy gave up (or live view was stopped elsewhere).
				return provider.E(provider.KindReconnectExhausted, "preview.stream",
					"push channel closed", nil)
			}
			if len(chunk) == 0 {
				// Reconnect marker: the new connection starts mid-frame, so
				// the old connection's partial tail must not splice into it.
				dmx.Reset()
				seenDropped = 0
				consecutiveInvalid = 0
				continue
			}
			out := dmx.Push(chunk)
			// Undersized marker regions are dropped silently, but a run of
			// them with no good frame in between means the stream is garbage.
			consecutiveInvalid += dmx.Dropped() - seenDropped
			seenDropped = dmx.Dropped()
			if len(out) == 0 {
				if consecutiveInvalid >= m.cfg.MaxConsecutiveErrors {
					return provider.E(provider.KindFrameInvalid, "preview.stream",
						fmt.Sprintf("%d invalid frames in a row", consecutiveInvalid), nil)
				}
				continue
			}
			consecutiveInvalid = 0
			for _, frame := range out {
				m.broadcast(frame)
			}
		}
	}
}

// broadcast delivers one frame to every subscriber. Sends are non-blocking:
// a slow subscriber loses the frame, the loop and the other subscribers are
// unaffected.
func (m *Manager) broadcast(frame []byte) {
	m.state.Store(int32(StateStreaming))
	m.produced.Add(1)
	m.lastTick.Store(time.Now().UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- frame:
		default:
			m.dropped.Add(1)
		}
	}
}
