// Package camera owns provider selection, capture serialization and retry,
// and the coordination between still captures and the live-view loop.
package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/preview"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

// Recorder is the persistence collaborator: it records a finished capture
// against its session and sequence. This layer never writes session state
// itself.
type Recorder interface {
	RecordCapture(ctx context.Context, req provider.CaptureRequest, res *provider.CaptureResult) error
}

// Config tunes the manager.
type Config struct {
	Policy AdmissionPolicy
	// BusyRetries bounds capture retries on a transient device-busy signal.
	BusyRetries int
	// BusyRetryDelay is the base of the linearly increasing retry delay:
	// attempt k waits k * BusyRetryDelay.
	BusyRetryDelay time.Duration
	// SettleDelay is the pause between disengaging live view and firing the
	// shutter; some bodies misbehave when the mirror is still moving.
	SettleDelay time.Duration
	// Now supplies capture metadata timestamps. The kiosk clock is
	// NTP-corrected; camera body clocks rarely are. Defaults to time.Now.
	Now     func() time.Time
	Preview preview.Config
}

func (c *Config) applyDefaults() {
	if c.BusyRetries == 0 {
		c.BusyRetries = 5
	}
	if c.BusyRetryDelay == 0 {
		c.BusyRetryDelay = 150 * time.Millisecond
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 200 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Health is the manager's observability snapshot.
type Health struct {
	Connected        bool          `json:"connected"`
	Provider         string        `json:"provider"`
	LastError        string        `json:"lastError,omitempty"`
	Captures         uint64        `json:"captures"`
	StreamReconnects uint32        `json:"streamReconnects"`
	Preview          preview.Stats `json:"preview"`
}

// Manager holds the active provider, serializes captures through the
// CaptureMutex, and suspends/resumes the preview loop around each shutter so
// capture and live view never contend for the hardware channel.
type Manager struct {
	cfg       Config
	logger    *zap.SugaredLogger
	providers []provider.Provider
	recorder  Recorder
	mutex     *CaptureMutex

	mu      sync.Mutex
	active  provider.Provider
	preview *preview.Manager
	lastErr error

	captures atomic.Uint64
}

// New builds a manager over providers listed in activation priority order.
// recorder may be nil.
func New(cfg Config, recorder Recorder, providers ...provider.Provider) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		logger:    utils.GetLogger(),
		providers: providers,
		recorder:  recorder,
		mutex:     NewCaptureMutex(cfg.Policy),
	}
}

// Activate connects the first provider in priority order that accepts, and
// builds the preview manager over it. With none available it returns a
// ProviderUnavailable error listing what was tried.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil
	}

	var detail string
	for _, p := range m.providers {
		if err := p.Connect(ctx); err != nil {
			m.logger.Infof("camera: %s unavailable: %s", p.Name(), err)
			detail += fmt.Sprintf("%s: %s; ", p.Name(), err)
			continue
		}
		m.active = p
		m.preview = preview.NewManager(p, m.cfg.Preview)
		m.logger.Infof("camera: activated provider %s", p.Name())
		return nil
	}
	err := provider.E(provider.KindUnavailable, "camera.activate", detail, nil)
	m.lastErr = err
	return err
}

// Active returns the activated provider, or nil.
func (m *Manager) Active() provider.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Preview returns the preview manager for the active provider, or nil before
// activation.
func (m *Manager) Preview() *preview.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preview
}

// Capture performs one serialized still capture. Ordering guarantee: the
// preview loop is fully stopped before the shutter fires, and no frame
// reaches subscribers until after the capture settles (success or failure).
// Live view is left disengaged by the provider; whether the preview loop
// restarts is decided here by Resume, based on remaining subscribers.
func (m *Manager) Capture(ctx context.Context, req provider.CaptureRequest) (*provider.CaptureResult, error) {
	m.mu.Lock()
	active, pv := m.active, m.preview
	m.mu.Unlock()
	if active == nil {
		return nil, provider.E(provider.KindNotConnected, "camera.capture", "no provider activated", nil)
	}

	op := provider.OpContext{SessionID: req.SessionID, Sequence: req.Sequence, Name: "capture"}
	var res *provider.CaptureResult
	suspended := false
	err := m.mutex.Run(ctx, op, func() error {
		pv.Suspend()
		suspended = true
		if err := sleepCtx(ctx, m.cfg.SettleDelay); err != nil {
			return err
		}
		var capErr error
		res, capErr = m.captureWithRetry(ctx, active, req)
		return capErr
	})
	// Resume after release: holding the hardware lock across a restart of
	// the streaming loop would serialize preview against the next capture.
	// A caller whose admission was rejected never suspended and must not
	// touch the preview manager; the capture holding the lock is still
	// mid-shutter.
	if suspended {
		pv.Resume()
	}

	if err != nil {
		m.setErr(err)
		return nil, err
	}
	res.Metadata.Timestamp = m.cfg.Now().Format(time.RFC3339)
	m.captures.Add(1)
	if m.recorder != nil {
		if recErr := m.recorder.RecordCapture(ctx, req, res); recErr != nil {
			// The photo exists on disk; losing the index entry is not worth
			// failing the shot over.
			m.logger.Errorf("camera: record capture %s/%d: %s", req.SessionID, req.Sequence, recErr)
		}
	}
	return res, nil
}

// captureWithRetry retries transient device-busy failures with a linearly
// increasing delay. Anything else fails immediately.
func (m *Manager) captureWithRetry(ctx context.Context, p provider.Provider, req provider.CaptureRequest) (*provider.CaptureResult, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.BusyRetries; attempt++ {
		res, err := p.CapturePhoto(ctx, req)
		if err == nil {
			return res, nil
		}
		// Autofocus failures often carry busy-sounding vendor text but never
		// clear on their own; retrying just delays the failure.
		if provider.IsFocusFailure(err) || !provider.IsBusySignal(err) {
			return nil, err
		}
		lastErr = err
		m.logger.Warnf("camera: capture busy, retry %d/%d: %s", attempt, m.cfg.BusyRetries, err)
		if attempt < m.cfg.BusyRetries {
			if sleepErr := sleepCtx(ctx, time.Duration(attempt)*m.cfg.BusyRetryDelay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, provider.E(provider.KindTransientBusy, "camera.capture",
		fmt.Sprintf("busy after %d attempts", m.cfg.BusyRetries), lastErr)
}

// Status recomputes the active provider's status; nothing is cached.
func (m *Manager) Status(ctx context.Context) (*provider.Status, error) {
	active := m.Active()
	if active == nil {
		return nil, provider.E(provider.KindNotConnected, "camera.status", "no provider activated", nil)
	}
	return active.Status(ctx)
}

// DetectResult reports one variant's availability from a probe pass.
type DetectResult struct {
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
	Error     string `json:"error,omitempty"`
}

// Detect probes every configured variant. The active provider is reported
// from its live state; inactive ones get a connect/disconnect probe.
func (m *Manager) Detect(ctx context.Context) []DetectResult {
	active := m.Active()
	out := make([]DetectResult, 0, len(m.providers))
	for _, p := range m.providers {
		r := DetectResult{Provider: p.Name()}
		if p == active {
			r.Active = true
			r.Available = p.IsConnected()
			out = append(out, r)
			continue
		}
		if err := p.Connect(ctx); err != nil {
			r.Error = err.Error()
		} else {
			r.Available = true
			if err := p.Disconnect(); err != nil {
				m.logger.Warnf("camera: detect disconnect %s: %s", p.Name(), err)
			}
		}
		out = append(out, r)
	}
	return out
}

// SetProperty forwards a property change to the active provider.
func (m *Manager) SetProperty(ctx context.Context, id, value string) error {
	active := m.Active()
	if active == nil {
		return provider.E(provider.KindNotConnected, "camera.config", "no provider activated", nil)
	}
	return active.SetProperty(ctx, id, value)
}

// TriggerFocus forwards a focus request; best-effort on most variants.
func (m *Manager) TriggerFocus(ctx context.Context) error {
	active := m.Active()
	if active == nil {
		return provider.E(provider.KindNotConnected, "camera.focus", "no provider activated", nil)
	}
	return active.TriggerFocus(ctx)
}

// CancelCapture forwards a cancel; providers without the primitive no-op.
func (m *Manager) CancelCapture(ctx context.Context) error {
	active := m.Active()
	if active == nil {
		return provider.E(provider.KindNotConnected, "camera.cancel", "no provider activated", nil)
	}
	return active.CancelCapture(ctx)
}

// ExtendShutdownTimer keeps vendor hardware awake between sessions.
func (m *Manager) ExtendShutdownTimer(ctx context.Context) error {
	active := m.Active()
	if active == nil {
		return provider.E(provider.KindNotConnected, "camera.keepalive", "no provider activated", nil)
	}
	return active.ExtendShutdownTimer(ctx)
}

// ForceRecover is the crash-recovery escape hatch: stop everything, clear the
// capture lock, fail any queued capture. Idempotent.
func (m *Manager) ForceRecover() {
	if pv := m.Preview(); pv != nil {
		pv.StopAll()
	}
	m.mutex.ForceRelease()
	m.logger.Warn("camera: forced recovery, capture lock cleared")
}

// Health snapshots the manager state for the observability collaborator.
func (m *Manager) Health() Health {
	m.mu.Lock()
	active, pv, lastErr := m.active, m.preview, m.lastErr
	m.mu.Unlock()

	h := Health{Captures: m.captures.Load()}
	if active != nil {
		h.Connected = active.IsConnected()
		h.Provider = active.Name()
		if sc, ok := active.(*provider.Sidecar); ok {
			h.StreamReconnects = sc.Reconnects()
		}
	}
	if pv != nil {
		h.Preview = pv.Stats()
		if err := pv.LastErr(); err != nil && lastErr == nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		h.LastError = lastErr.Error()
	}
	return h
}

// Shutdown stops the preview loop and disconnects the active provider.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	active, pv := m.active, m.preview
	m.active = nil
	m.preview = nil
	m.mu.Unlock()

	if pv != nil {
		pv.StopAll()
	}
	if active != nil {
		if err := active.Disconnect(); err != nil {
			m.logger.Warnf("camera: disconnect %s: %s", active.Name(), err)
		}
	}
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
