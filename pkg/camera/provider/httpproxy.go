package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

// HTTPProxyConfig configures the http-proxied provider, which drives a
// vendor-supplied local web server.
type HTTPProxyConfig struct {
	BaseURL        string // e.g. http://127.0.0.1:5513
	SessionFolder  string // folder the vendor server saves captures into
	PollInterval   time.Duration
	CaptureTimeout time.Duration
	RequestTimeout time.Duration
}

func (c *HTTPProxyConfig) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = 15 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// HTTPProxy talks to a vendor web server over its query-parameter control API.
// The server does not push completion events, so capture is trigger-then-poll:
// fire the shutter, then repeatedly ask for the expected file until it exists
// or the bound expires. Live view is pull-based, one HTTP GET per frame.
type HTTPProxy struct {
	cfg    HTTPProxyConfig
	paths  PathResolver
	client *http.Client
	logger *zap.SugaredLogger

	connected bool
	liveView  bool
}

func NewHTTPProxy(cfg HTTPProxyConfig, paths PathResolver) *HTTPProxy {
	cfg.applyDefaults()
	return &HTTPProxy{
		cfg:    cfg,
		paths:  paths,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: utils.GetLogger(),
	}
}

func (h *HTTPProxy) Name() string { return "httpproxy" }

func (h *HTTPProxy) Connect(ctx context.Context) error {
	if h.cfg.BaseURL == "" {
		return E(KindUnavailable, "httpproxy.connect", "no base URL configured", nil)
	}
	if _, err := h.control(ctx, "set", "session.folder", h.cfg.SessionFolder); err != nil {
		return E(KindUnavailable, "httpproxy.connect", "vendor server unreachable", err)
	}
	h.connected = true
	return nil
}

func (h *HTTPProxy) Disconnect() error {
	h.connected = false
	h.liveView = false
	return nil
}

func (h *HTTPProxy) IsConnected() bool { return h.connected }

func (h *HTTPProxy) CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if !h.connected {
		return nil, E(KindNotConnected, "httpproxy.capture", "", nil)
	}

	// The vendor server names the file; pin it per shot via the template so
	// the poll knows exactly what to wait for.
	name := fmt.Sprintf("IMG_%s_%04d", req.SessionID, req.Sequence)
	if _, err := h.control(ctx, "set", "session.filenametemplate", name); err != nil {
		return nil, classifyHTTP("httpproxy.capture", err)
	}
	if _, err := h.control(ctx, "capture", "", ""); err != nil {
		return nil, classifyHTTP("httpproxy.capture", err)
	}

	data, err := h.pollDownload(ctx, name+".jpg")
	if err != nil {
		return nil, err
	}

	path := h.paths.PhotoPath(req.SessionID, req.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return nil, err
	}
	return &CaptureResult{ImagePath: path, Metadata: NewMetadata()}, nil
}

// pollDownload checks for the named file until it appears, then returns its
// bytes. The existence check and the download are the same endpoint: 404 means
// not ready yet.
func (h *HTTPProxy) pollDownload(ctx context.Context, filename string) ([]byte, error) {
	deadline := time.Now().Add(h.cfg.CaptureTimeout)
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		data, status, err := h.get(ctx, "/image/"+url.PathEscape(filename))
		switch {
		case err != nil:
			h.logger.Warnf("httpproxy: poll %s: %s", filename, err)
		case status == http.StatusOK && len(data) > 0:
			return data, nil
		case status != http.StatusNotFound:
			h.logger.Warnf("httpproxy: poll %s: unexpected status %d", filename, status)
		}

		if time.Now().After(deadline) {
			return nil, E(KindCaptureTimeout, "httpproxy.capture",
				fmt.Sprintf("%s not produced within %s", filename, h.cfg.CaptureTimeout), nil)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *HTTPProxy) CancelCapture(ctx context.Context) error {
	_, err := h.control(ctx, "cancel", "", "")
	if err != nil {
		// Best effort: older vendor servers have no cancel verb.
		h.logger.Debugf("httpproxy: cancel not honored: %s", err)
	}
	return nil
}

func (h *HTTPProxy) StartLiveView(ctx context.Context) error {
	if !h.connected {
		return E(KindNotConnected, "httpproxy.liveview", "", nil)
	}
	if h.liveView {
		return nil
	}
	if _, err := h.control(ctx, "liveview.start", "", ""); err != nil {
		return classifyHTTP("httpproxy.liveview", err)
	}
	h.liveView = true
	return nil
}

func (h *HTTPProxy) StopLiveView() error {
	if !h.liveView {
		return nil
	}
	h.liveView = false
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	if _, err := h.control(ctx, "liveview.stop", "", ""); err != nil {
		h.logger.Warnf("httpproxy: liveview.stop: %s", err)
	}
	return nil
}

func (h *HTTPProxy) LiveViewActive() bool { return h.liveView }

func (h *HTTPProxy) LiveViewFrame(ctx context.Context) ([]byte, error) {
	if !h.liveView {
		return nil, E(KindNotConnected, "httpproxy.frame", "live view not active", nil)
	}
	data, status, err := h.get(ctx, "/liveview.jpg")
	if err != nil {
		return nil, classifyHTTP("httpproxy.frame", err)
	}
	if status != http.StatusOK || len(data) == 0 {
		return nil, E(KindFrameInvalid, "httpproxy.frame",
			fmt.Sprintf("status %d, %d bytes", status, len(data)), nil)
	}
	return data, nil
}

func (h *HTTPProxy) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Connected:        false,
		Model:            "Unknown",
		Battery:          100,
		StorageAvailable: true,
		LiveViewActive:   h.liveView,
		Settings:         map[string]string{},
	}
	body, err := h.control(ctx, "get", "camera.model", "")
	if err == nil {
		st.Connected = true
		if m := strings.TrimSpace(body); m != "" {
			st.Model = m
		}
	}
	h.connected = st.Connected
	return st, nil
}

func (h *HTTPProxy) SetProperty(ctx context.Context, id, value string) error {
	_, err := h.control(ctx, "set", id, value)
	return err
}

func (h *HTTPProxy) TriggerFocus(ctx context.Context) error {
	_, err := h.control(ctx, "focus", "", "")
	return err
}

func (h *HTTPProxy) ExtendShutdownTimer(ctx context.Context) error {
	_, err := h.control(ctx, "keepalive", "", "")
	if err != nil {
		h.logger.Debugf("httpproxy: keepalive not honored: %s", err)
	}
	return nil
}

// control issues one query-parameter command: /?slc=<verb>&param1=<p1>&param2=<p2>.
func (h *HTTPProxy) control(ctx context.Context, verb, p1, p2 string) (string, error) {
	q := url.Values{}
	q.Set("slc", verb)
	q.Set("param1", p1)
	q.Set("param2", p2)
	data, status, err := h.get(ctx, "/?"+q.Encode())
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("vendor server: %s returned status %d: %s", verb, status, strings.TrimSpace(string(data)))
	}
	body := string(data)
	if l := strings.ToLower(body); strings.Contains(l, "error") {
		return "", fmt.Errorf("vendor server: %s: %s", verb, strings.TrimSpace(body))
	}
	return body, nil
}

func (h *HTTPProxy) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func classifyHTTP(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusySignal(err) {
		return E(KindTransientBusy, op, "", err)
	}
	return E(KindUnknown, op, "", err)
}
