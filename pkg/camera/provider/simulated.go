package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils/image"
)

// SimulatedConfig tunes the development/testing provider.
type SimulatedConfig struct {
	// Latency is the artificial delay added to captures to mimic real
	// hardware; zero means instantaneous.
	Latency time.Duration
	Width   int
	Height  int
	// FailCaptures, when > 0, makes the next N captures fail with a
	// transient busy error. Used to exercise retry paths.
	FailCaptures int
}

// Simulated produces deterministic placeholder images. Every operation
// succeeds immediately apart from the configured artificial latency.
type Simulated struct {
	cfg    SimulatedConfig
	paths  PathResolver
	logger *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	liveView  bool
	frameSeq  int
	settings  map[string]string
}

func NewSimulated(cfg SimulatedConfig, paths PathResolver) *Simulated {
	if cfg.Width == 0 {
		cfg.Width = 640
	}
	if cfg.Height == 0 {
		cfg.Height = 480
	}
	return &Simulated{
		cfg:      cfg,
		paths:    paths,
		logger:   utils.GetLogger(),
		settings: make(map[string]string),
	}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Simulated) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.liveView = false
	return nil
}

func (s *Simulated) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulated) CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if !s.IsConnected() {
		return nil, E(KindNotConnected, "simulated.capture", "", nil)
	}
	if err := s.sleep(ctx, s.cfg.Latency); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.cfg.FailCaptures > 0 {
		s.cfg.FailCaptures--
		s.mu.Unlock()
		return nil, E(KindTransientBusy, "simulated.capture", "injected busy", nil)
	}
	s.mu.Unlock()

	data, err := image.PlaceholderJPEG(s.cfg.Width, s.cfg.Height, req.Sequence, 90)
	if err != nil {
		return nil, fmt.Errorf("render placeholder: %w", err)
	}
	path := s.paths.PhotoPath(req.SessionID, req.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return nil, err
	}

	md := NewMetadata()
	md.Model = "Simulated Camera"
	md.ISO = "100"
	return &CaptureResult{ImagePath: path, Metadata: md}, nil
}

func (s *Simulated) CancelCapture(ctx context.Context) error { return nil }

func (s *Simulated) StartLiveView(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return E(KindNotConnected, "simulated.liveview", "", nil)
	}
	s.liveView = true
	return nil
}

func (s *Simulated) StopLiveView() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveView = false
	return nil
}

func (s *Simulated) LiveViewActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveView
}

func (s *Simulated) LiveViewFrame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if !s.liveView {
		s.mu.Unlock()
		return nil, E(KindNotConnected, "simulated.frame", "live view not active", nil)
	}
	s.frameSeq++
	seq := s.frameSeq
	s.mu.Unlock()

	// Preview frames are small; quality matters less than rate.
	return image.PlaceholderJPEG(s.cfg.Width/2, s.cfg.Height/2, seq, 60)
}

func (s *Simulated) Status(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		settings[k] = v
	}
	return &Status{
		Connected:        s.connected,
		Model:            "Simulated Camera",
		Battery:          100,
		StorageAvailable: true,
		LiveViewActive:   s.liveView,
		Settings:         settings,
	}, nil
}

func (s *Simulated) SetProperty(ctx context.Context, id, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[id] = value
	return nil
}

func (s *Simulated) TriggerFocus(ctx context.Context) error        { return nil }
func (s *Simulated) ExtendShutdownTimer(ctx context.Context) error { return nil }

func (s *Simulated) sleep(ctx context.Context, d time.Duration) error {
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
