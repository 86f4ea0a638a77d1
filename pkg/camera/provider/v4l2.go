package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

// V4L2Config configures the native-driver provider.
type V4L2Config struct {
	DevicePath     string
	PreviewWidth   int
	PreviewHeight  int
	CaptureWidth   int
	CaptureHeight  int
	FrameTimeout   time.Duration // per-frame pull bound
	CaptureTimeout time.Duration
}

func (c *V4L2Config) applyDefaults() {
	if c.DevicePath == "" {
		c.DevicePath = "/dev/video0"
	}
	if c.PreviewWidth == 0 {
		c.PreviewWidth, c.PreviewHeight = 1280, 720
	}
	if c.CaptureWidth == 0 {
		c.CaptureWidth, c.CaptureHeight = 1920, 1080
	}
	if c.FrameTimeout == 0 {
		c.FrameTimeout = 2 * time.Second
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = 5 * time.Second
	}
}

// V4L2 drives a camera through the in-process V4L2 driver interface. Live view
// is pull-based: one LiveViewFrame call reads one frame off the driver's
// output channel. The device cannot stream two formats at once, so a still
// capture reopens it at capture resolution; the manager suspends the preview
// loop first and decides whether to resume it afterwards.
type V4L2 struct {
	cfg    V4L2Config
	paths  PathResolver
	logger *zap.SugaredLogger

	// guarded by the capture mutex at the manager layer plus the preview
	// loop never overlapping a capture; no internal locking beyond what the
	// driver needs.
	dev      *device.Device
	cancel   context.CancelFunc
	frames   <-chan []byte
	liveView bool
	settings map[v4l2.CtrlID]v4l2.CtrlValue
	probed   bool
	model    string
}

func NewV4L2(cfg V4L2Config, paths PathResolver) *V4L2 {
	cfg.applyDefaults()
	return &V4L2{
		cfg:      cfg,
		paths:    paths,
		logger:   utils.GetLogger(),
		settings: make(map[v4l2.CtrlID]v4l2.CtrlValue),
	}
}

func (v *V4L2) Name() string { return "v4l2" }

func (v *V4L2) Connect(ctx context.Context) error {
	// Probe only: open and close to confirm the node exists and speaks V4L2.
	dev, err := device.Open(v.cfg.DevicePath, device.WithBufferSize(1))
	if err != nil {
		return E(KindUnavailable, "v4l2.connect", v.cfg.DevicePath, err)
	}
	if c := dev.Capability(); c.Card != "" {
		v.model = c.Card
	}
	v.probed = true
	return dev.Close()
}

func (v *V4L2) Disconnect() error {
	v.probed = false
	return v.stopDevice()
}

func (v *V4L2) IsConnected() bool { return v.probed }

func (v *V4L2) open(ctx context.Context, width, height int) error {
	if v.dev != nil {
		return E(KindTransientBusy, "v4l2.open", "device already streaming", nil)
	}
	dev, err := device.Open(
		v.cfg.DevicePath,
		device.WithBufferSize(1),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtJPEG,
			Width:       uint32(width),
			Height:      uint32(height),
		}),
	)
	if err != nil {
		return err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(streamCtx); err != nil {
		cancel()
		dev.Close()
		return err
	}
	v.dev = dev
	v.cancel = cancel
	v.frames = dev.GetOutput()
	v.applySettings()
	return nil
}

func (v *V4L2) stopDevice() error {
	if v.cancel != nil {
		// Cancel first so the driver goroutine reaches its stop path before
		// Close races it.
		v.cancel()
		time.Sleep(100 * time.Millisecond)
		v.cancel = nil
	}
	v.frames = nil
	v.liveView = false
	if v.dev != nil {
		err := v.dev.Close()
		v.dev = nil
		return err
	}
	return nil
}

func (v *V4L2) CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if !v.probed {
		return nil, E(KindNotConnected, "v4l2.capture", "", nil)
	}
	// The manager has already suspended the preview loop, but the device may
	// still be open at preview resolution.
	wasStreaming := v.dev != nil
	if wasStreaming {
		if err := v.stopDevice(); err != nil {
			v.logger.Warnf("v4l2: stop before capture: %s", err)
		}
	}

	if err := v.open(ctx, v.cfg.CaptureWidth, v.cfg.CaptureHeight); err != nil {
		return nil, classifyV4L2(err, "v4l2.capture")
	}
	defer func() {
		if err := v.stopDevice(); err != nil {
			v.logger.Warnf("v4l2: stop after capture: %s", err)
		}
	}()

	frame, err := v.pullFrame(ctx, v.cfg.CaptureTimeout, "v4l2.capture")
	if err != nil {
		return nil, err
	}

	path := v.paths.PhotoPath(req.SessionID, req.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, frame, 0640); err != nil {
		return nil, err
	}

	md := NewMetadata()
	if v.model != "" {
		md.Model = v.model
	}
	return &CaptureResult{ImagePath: path, Metadata: md}, nil
}

func (v *V4L2) CancelCapture(ctx context.Context) error {
	// The driver has no cancel primitive; a pending pullFrame honors ctx.
	return nil
}

func (v *V4L2) StartLiveView(ctx context.Context) error {
	if !v.probed {
		return E(KindNotConnected, "v4l2.liveview", "", nil)
	}
	if v.liveView {
		return nil
	}
	if err := v.open(ctx, v.cfg.PreviewWidth, v.cfg.PreviewHeight); err != nil {
		return classifyV4L2(err, "v4l2.liveview")
	}
	v.liveView = true
	v.logger.Infof("v4l2: live view started at %dx%d", v.cfg.PreviewWidth, v.cfg.PreviewHeight)
	return nil
}

func (v *V4L2) StopLiveView() error {
	if !v.liveView {
		return nil
	}
	return v.stopDevice()
}

func (v *V4L2) LiveViewActive() bool { return v.liveView }

func (v *V4L2) LiveViewFrame(ctx context.Context) ([]byte, error) {
	if !v.liveView || v.frames == nil {
		return nil, E(KindNotConnected, "v4l2.frame", "live view not active", nil)
	}
	return v.pullFrame(ctx, v.cfg.FrameTimeout, "v4l2.frame")
}

func (v *V4L2) pullFrame(ctx context.Context, bound time.Duration, op string) ([]byte, error) {
	t := time.NewTimer(bound)
	defer t.Stop()
	select {
	case frame, ok := <-v.frames:
		if !ok {
			return nil, E(KindNotConnected, op, "stream closed", nil)
		}
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	case <-t.C:
		return nil, E(KindCaptureTimeout, op, "no frame within bound", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *V4L2) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Connected:        v.probed,
		Model:            v.model,
		Battery:          100, // bus-powered
		StorageAvailable: true,
		LiveViewActive:   v.liveView,
		Settings:         make(map[string]string),
	}
	if st.Model == "" {
		st.Model = "Unknown"
	}
	return st, nil
}

// SetProperty stores a numeric control value, applied when the device is open
// and re-applied on every reopen.
func (v *V4L2) SetProperty(ctx context.Context, id, value string) error {
	ctrlID, ctrlVal, err := parseCtrl(id, value)
	if err != nil {
		return err
	}
	v.settings[ctrlID] = ctrlVal
	if v.dev != nil {
		return v4l2.SetControlValue(v.dev.Fd(), ctrlID, ctrlVal)
	}
	return nil
}

func (v *V4L2) applySettings() {
	for k, val := range v.settings {
		if err := v4l2.SetControlValue(v.dev.Fd(), k, val); err != nil {
			v.logger.Warnf("v4l2: set ctrl(%d) to %d, err: %s", k, val, err)
		}
	}
}

func (v *V4L2) TriggerFocus(ctx context.Context) error        { return nil }
func (v *V4L2) ExtendShutdownTimer(ctx context.Context) error { return nil }

func parseCtrl(id, value string) (v4l2.CtrlID, v4l2.CtrlValue, error) {
	rawID, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("control id %q is not numeric: %w", id, err)
	}
	rawVal, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("control value %q is not numeric: %w", value, err)
	}
	return v4l2.CtrlID(rawID), v4l2.CtrlValue(rawVal), nil
}

// classifyV4L2 maps driver errors onto the shared taxonomy; EBUSY from an
// adjacent consumer is retryable.
func classifyV4L2(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsBusySignal(err) {
		return E(KindTransientBusy, op, "", err)
	}
	return E(KindUnknown, op, "", err)
}
