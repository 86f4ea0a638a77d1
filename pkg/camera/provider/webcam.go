package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

// WebcamConfig configures the software-fallback provider: a generic
// frame-grabber command producing a single still per invocation.
type WebcamConfig struct {
	// Grabber is the command, e.g. "fswebcam" or "libcamera-still".
	Grabber string
	// Args are passed before the output path. "{res}" expands to WxH.
	Args           []string
	Width          int
	Height         int
	CaptureTimeout time.Duration
}

func (c *WebcamConfig) applyDefaults() {
	if c.Grabber == "" {
		c.Grabber = "fswebcam"
	}
	if len(c.Args) == 0 {
		c.Args = []string{"-r", "{res}", "--jpeg", "90"}
	}
	if c.Width == 0 {
		c.Width, c.Height = 1280, 720
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = 15 * time.Second
	}
}

// Webcam grabs stills from a generic webcam via an external command. It has
// no live view: on kiosks using this fallback, the preview is the browser's
// own local camera rendering, so the service never streams for it.
type Webcam struct {
	cfg       WebcamConfig
	paths     PathResolver
	logger    *zap.SugaredLogger
	connected bool
}

func NewWebcam(cfg WebcamConfig, paths PathResolver) *Webcam {
	cfg.applyDefaults()
	return &Webcam{cfg: cfg, paths: paths, logger: utils.GetLogger()}
}

func (w *Webcam) Name() string { return "webcam" }

func (w *Webcam) Connect(ctx context.Context) error {
	if _, err := exec.LookPath(w.cfg.Grabber); err != nil {
		return E(KindUnavailable, "webcam.connect", "grabber not found", err)
	}
	w.connected = true
	return nil
}

func (w *Webcam) Disconnect() error {
	w.connected = false
	return nil
}

func (w *Webcam) IsConnected() bool { return w.connected }

func (w *Webcam) CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if !w.connected {
		return nil, E(KindNotConnected, "webcam.capture", "", nil)
	}
	path := w.paths.PhotoPath(req.SessionID, req.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}

	args := make([]string, 0, len(w.cfg.Args)+1)
	res := fmt.Sprintf("%dx%d", w.cfg.Width, w.cfg.Height)
	for _, a := range w.cfg.Args {
		args = append(args, strings.ReplaceAll(a, "{res}", res))
	}
	args = append(args, path)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.CaptureTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, w.cfg.Grabber, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, E(KindCaptureTimeout, "webcam.capture", "", errors.New(strings.TrimSpace(buf.String())))
		}
		out := strings.TrimSpace(buf.String())
		if IsBusySignal(errors.New(out)) {
			return nil, E(KindTransientBusy, "webcam.capture", out, err)
		}
		return nil, E(KindUnknown, "webcam.capture", out, err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		return nil, E(KindUnknown, "webcam.capture", "grabber exited clean but wrote nothing", err)
	}

	md := NewMetadata()
	md.Model = w.cfg.Grabber
	return &CaptureResult{ImagePath: path, Metadata: md}, nil
}

func (w *Webcam) CancelCapture(ctx context.Context) error { return nil }

func (w *Webcam) StartLiveView(ctx context.Context) error { return ErrLiveViewUnsupported }
func (w *Webcam) StopLiveView() error                     { return nil }
func (w *Webcam) LiveViewActive() bool                    { return false }
func (w *Webcam) LiveViewFrame(ctx context.Context) ([]byte, error) {
	return nil, ErrLiveViewUnsupported
}

func (w *Webcam) Status(ctx context.Context) (*Status, error) {
	return &Status{
		Connected:        w.connected,
		Model:            w.cfg.Grabber,
		Battery:          100,
		StorageAvailable: true,
		LiveViewActive:   false,
		Settings:         map[string]string{},
	}, nil
}

func (w *Webcam) SetProperty(ctx context.Context, id, value string) error { return nil }
func (w *Webcam) TriggerFocus(ctx context.Context) error                  { return nil }
func (w *Webcam) ExtendShutdownTimer(ctx context.Context) error           { return nil }
