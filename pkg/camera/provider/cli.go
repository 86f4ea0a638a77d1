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

// CLIConfig configures the cli-wrapped provider, which shells out to a vendor
// command-line tool per operation.
type CLIConfig struct {
	// Executable is the vendor tool, e.g. CameraControlCmd.
	Executable     string
	ProbeTimeout   time.Duration
	CaptureTimeout time.Duration
}

func (c *CLIConfig) applyDefaults() {
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = 30 * time.Second
	}
}

// CLI wraps a vendor capture tool. There is no persistent connection:
// "connected" means the last /list probe found a camera. Per-call latency is
// the highest of all variants (one process spawn per operation) and there is
// no live view path at all.
type CLI struct {
	cfg    CLIConfig
	paths  PathResolver
	logger *zap.SugaredLogger

	model     string
	connected bool
}

func NewCLI(cfg CLIConfig, paths PathResolver) *CLI {
	cfg.applyDefaults()
	return &CLI{cfg: cfg, paths: paths, logger: utils.GetLogger()}
}

func (c *CLI) Name() string { return "cli" }

func (c *CLI) Connect(ctx context.Context) error {
	if c.cfg.Executable == "" {
		return E(KindUnavailable, "cli.connect", "no executable configured", nil)
	}
	if _, err := exec.LookPath(c.cfg.Executable); err != nil {
		return E(KindUnavailable, "cli.connect", "vendor tool not found", err)
	}

	out, err := c.run(ctx, c.cfg.ProbeTimeout, "/list")
	if err != nil {
		c.connected = false
		return E(KindUnavailable, "cli.connect", "camera probe failed", err)
	}
	model := firstNonEmptyLine(out)
	if model == "" {
		c.connected = false
		return E(KindUnavailable, "cli.connect", "no cameras listed", nil)
	}
	c.model = model
	c.connected = true
	c.logger.Infof("cli: found camera %q", model)
	return nil
}

func (c *CLI) Disconnect() error {
	c.connected = false
	return nil
}

func (c *CLI) IsConnected() bool { return c.connected }

func (c *CLI) CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if !c.connected {
		return nil, E(KindNotConnected, "cli.capture", "", nil)
	}
	path := c.paths.PhotoPath(req.SessionID, req.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}

	out, err := c.run(ctx, c.cfg.CaptureTimeout, "/capture", "/filename", path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, E(KindCaptureTimeout, "cli.capture", "tool did not finish in time", err)
		}
		return nil, classifyCLIOutput(out, err)
	}
	if msg := failureText(out); msg != "" {
		// The tool exits zero on some failures and only reports on stdout.
		return nil, classifyCLIOutput(out, nil)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, E(KindCaptureTimeout, "cli.capture", "tool reported success but no file", err)
	}

	md := NewMetadata()
	md.Model = c.model
	return &CaptureResult{ImagePath: path, Metadata: md}, nil
}

func (c *CLI) CancelCapture(ctx context.Context) error { return nil }

func (c *CLI) StartLiveView(ctx context.Context) error { return ErrLiveViewUnsupported }
func (c *CLI) StopLiveView() error                     { return nil }
func (c *CLI) LiveViewActive() bool                    { return false }
func (c *CLI) LiveViewFrame(ctx context.Context) ([]byte, error) {
	return nil, ErrLiveViewUnsupported
}

func (c *CLI) Status(ctx context.Context) (*Status, error) {
	// Re-probe so the answer reflects the camera now, not at connect time.
	connected := false
	model := c.model
	if c.cfg.Executable != "" {
		if out, err := c.run(ctx, c.cfg.ProbeTimeout, "/list"); err == nil {
			if m := firstNonEmptyLine(out); m != "" {
				connected, model = true, m
			}
		}
	}
	c.connected = connected
	if model == "" {
		model = "Unknown"
	}
	return &Status{
		Connected:        connected,
		Model:            model,
		Battery:          100,
		StorageAvailable: true,
		LiveViewActive:   false,
		Settings:         map[string]string{},
	}, nil
}

func (c *CLI) SetProperty(ctx context.Context, id, value string) error {
	_, err := c.run(ctx, c.cfg.ProbeTimeout, "/setproperty", id, value)
	return err
}

func (c *CLI) TriggerFocus(ctx context.Context) error        { return nil }
func (c *CLI) ExtendShutdownTimer(ctx context.Context) error { return nil }

func (c *CLI) run(ctx context.Context, bound time.Duration, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.cfg.Executable, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%s %s: %w", c.cfg.Executable, args[0], context.DeadlineExceeded)
		}
		c.logger.Warnf("cli: %s %s failed: %s, output: %s",
			c.cfg.Executable, strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	return out, err
}

// classifyCLIOutput infers the failure class from process exit state and
// stdout text, the only signals the tool gives us.
func classifyCLIOutput(out string, err error) error {
	combined := out
	if err != nil {
		combined += " " + err.Error()
	}
	lower := strings.ToLower(combined)
	switch {
	case strings.Contains(lower, "busy"):
		return E(KindTransientBusy, "cli.capture", strings.TrimSpace(out), err)
	case strings.Contains(lower, "timeout"):
		return E(KindCaptureTimeout, "cli.capture", strings.TrimSpace(out), err)
	default:
		return E(KindUnknown, "cli.capture", strings.TrimSpace(out), err)
	}
}

func failureText(out string) string {
	for _, line := range strings.Split(out, "\n") {
		l := strings.ToLower(line)
		if strings.Contains(l, "error") || strings.Contains(l, "fail") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func firstNonEmptyLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}
