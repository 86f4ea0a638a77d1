package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/backoff"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

// SidecarConfig configures the remote-process provider: a sidecar owns the
// vendor driver and exposes a control API over HTTP plus a websocket push
// channel carrying the continuous live-view byte stream.
type SidecarConfig struct {
	BaseURL        string // control API, e.g. http://127.0.0.1:8077
	StreamURL      string // push channel, e.g. ws://127.0.0.1:8077/stream
	RequestTimeout time.Duration
	CaptureTimeout time.Duration
	PollInterval   time.Duration
	Reconnect      backoff.Policy
}

func (c *SidecarConfig) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = 20 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Reconnect.Base == 0 {
		c.Reconnect = backoff.DefaultPolicy()
	}
}

// Sidecar is the only push-mode variant: once live view starts, a reader
// goroutine forwards raw stream chunks on Frames() and the preview layer
// demultiplexes them. A dropped websocket is redialed with exponential
// backoff until the policy exhausts.
type Sidecar struct {
	cfg    SidecarConfig
	paths  PathResolver
	client *http.Client
	logger *zap.SugaredLogger

	mu         sync.Mutex
	connected  bool
	liveView   bool
	frames     chan []byte
	stopStream chan struct{}
	streamDone chan struct{}

	reconnects atomic.Uint32
	streamErr  error
}

func NewSidecar(cfg SidecarConfig, paths PathResolver) *Sidecar {
	cfg.applyDefaults()
	return &Sidecar{
		cfg:    cfg,
		paths:  paths,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: utils.GetLogger(),
	}
}

func (s *Sidecar) Name() string { return "sidecar" }

func (s *Sidecar) Connect(ctx context.Context) error {
	if s.cfg.BaseURL == "" {
		return E(KindUnavailable, "sidecar.connect", "no base URL configured", nil)
	}
	if err := s.post(ctx, "/api/v1/camera/connect", nil, nil); err != nil {
		return E(KindUnavailable, "sidecar.connect", "sidecar unreachable", err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Sidecar) Disconnect() error {
	s.StopLiveView()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	return s.post(ctx, "/api/v1/camera/disconnect", nil, nil)
}

func (s *Sidecar) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

type sidecarCapture struct {
	ID string `json:"id"`
}

type sidecarCaptureStatus struct {
	Done     bool              `json:"done"`
	Error    string            `json:"error"`
	FileName string            `json:"fileName"`
	Metadata map[string]string `json:"metadata"`
}

// CapturePhoto is trigger-then-poll: the sidecar acknowledges the trigger
// immediately and the shutter result is observed through capture-status.
func (s *Sidecar) CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if !s.IsConnected() {
		return nil, E(KindNotConnected, "sidecar.capture", "", nil)
	}

	var trig sidecarCapture
	body := map[string]any{"sessionId": req.SessionID, "sequenceNumber": req.Sequence}
	if err := s.post(ctx, "/api/v1/camera/capture", body, &trig); err != nil {
		return nil, classifySidecar("sidecar.capture", err)
	}

	st, err := s.awaitCapture(ctx, trig.ID)
	if err != nil {
		return nil, err
	}
	if st.Error != "" {
		capErr := fmt.Errorf("sidecar capture: %s", st.Error)
		if IsFocusFailure(capErr) {
			return nil, E(KindUnknown, "sidecar.capture", "autofocus failed", capErr)
		}
		return nil, classifySidecar("sidecar.capture", capErr)
	}

	data, err := s.download(ctx, st.FileName)
	if err != nil {
		return nil, err
	}
	path := s.paths.PhotoPath(req.SessionID, req.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return nil, err
	}

	md := NewMetadata()
	applyMeta(&md, st.Metadata)
	return &CaptureResult{ImagePath: path, Metadata: md}, nil
}

func (s *Sidecar) awaitCapture(ctx context.Context, id string) (*sidecarCaptureStatus, error) {
	deadline := time.Now().Add(s.cfg.CaptureTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var st sidecarCaptureStatus
		err := s.get(ctx, "/api/v1/camera/capture-status?id="+id, &st)
		if err != nil {
			s.logger.Warnf("sidecar: capture-status: %s", err)
		} else if st.Done {
			return &st, nil
		}
		if time.Now().After(deadline) {
			return nil, E(KindCaptureTimeout, "sidecar.capture",
				fmt.Sprintf("no completion within %s", s.cfg.CaptureTimeout), nil)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Sidecar) download(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.BaseURL+"/api/v1/camera/photo/"+name, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar: download %s: status %d", name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Sidecar) CancelCapture(ctx context.Context) error {
	if err := s.post(ctx, "/api/v1/camera/cancel", nil, nil); err != nil {
		s.logger.Debugf("sidecar: cancel not honored: %s", err)
	}
	return nil
}

func (s *Sidecar) StartLiveView(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return E(KindNotConnected, "sidecar.liveview", "", nil)
	}
	if s.liveView {
		return nil
	}
	if err := s.post(ctx, "/api/v1/camera/liveview/start", nil, nil); err != nil {
		return classifySidecar("sidecar.liveview", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.StreamURL, nil)
	if err != nil {
		return E(KindUnavailable, "sidecar.liveview", "push channel dial failed", err)
	}

	s.frames = make(chan []byte, 8)
	s.stopStream = make(chan struct{})
	s.streamDone = make(chan struct{})
	s.streamErr = nil
	s.liveView = true
	go s.readStream(conn, s.frames, s.stopStream, s.streamDone)
	return nil
}

func (s *Sidecar) StopLiveView() error {
	s.mu.Lock()
	if !s.liveView {
		s.mu.Unlock()
		return nil
	}
	s.liveView = false
	stop, done := s.stopStream, s.streamDone
	s.mu.Unlock()

	close(stop)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.post(ctx, "/api/v1/camera/liveview/stop", nil, nil); err != nil {
		s.logger.Warnf("sidecar: liveview/stop: %s", err)
	}
	return nil
}

func (s *Sidecar) LiveViewActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveView
}

// LiveViewFrame is not meaningful here: frames arrive on the push channel.
func (s *Sidecar) LiveViewFrame(ctx context.Context) ([]byte, error) {
	return nil, ErrPushOnly
}

// Frames exposes the push channel. Closed when live view stops or
// reconnection exhausts.
func (s *Sidecar) Frames() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// readStream forwards websocket messages to out. A read failure triggers a
// backoff-paced redial; a new attempt only starts after the previous one has
// settled, so the backoff state has a single owner. On success the backoff
// resets; on exhaustion the channel is closed and the typed error recorded.
func (s *Sidecar) readStream(conn *websocket.Conn, out chan<- []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	bo := backoff.New(s.cfg.Reconnect)
	for {
		err := s.pumpFrames(conn, out, stop)
		conn.Close()
		if err == nil {
			// Stop requested.
			return
		}
		s.logger.Warnf("sidecar: push channel dropped: %s", err)

		for {
			if bo.Exhausted() {
				s.mu.Lock()
				s.streamErr = E(KindReconnectExhausted, "sidecar.stream",
					fmt.Sprintf("gave up after %d attempts", bo.Attempt()), err)
				s.liveView = false
				s.mu.Unlock()
				// With liveView already false the teardown's StopLiveView is
				// a no-op, so the sidecar must be told directly or its live
				// view stays engaged.
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
				if stopErr := s.post(ctx, "/api/v1/camera/liveview/stop", nil, nil); stopErr != nil {
					s.logger.Warnf("sidecar: liveview/stop after exhaustion: %s", stopErr)
				}
				cancel()
				return
			}
			delay := bo.Next()
			s.logger.Infof("sidecar: redialing push channel in %s (attempt %d)", delay, bo.Attempt())
			select {
			case <-time.After(delay):
			case <-stop:
				return
			}

			s.reconnects.Add(1)
			next, _, dialErr := websocket.DefaultDialer.Dial(s.cfg.StreamURL, nil)
			if dialErr != nil {
				s.logger.Warnf("sidecar: redial failed: %s", dialErr)
				continue
			}
			bo.Reset()
			conn = next
			// The new stream starts mid-frame; a zero-length chunk tells the
			// demuxer downstream to discard the dead connection's tail.
			select {
			case out <- nil:
			case <-stop:
				conn.Close()
				return
			}
			break
		}
	}
}

func (s *Sidecar) pumpFrames(conn *websocket.Conn, out chan<- []byte, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		// Chunks must arrive in order and complete; block rather than drop,
		// the demuxer cannot survive holes mid-frame.
		select {
		case out <- data:
		case <-stop:
			return nil
		}
	}
}

// StreamErr reports why the push channel died, if it did.
func (s *Sidecar) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Reconnects returns the total number of push-channel redials, for health
// reporting.
func (s *Sidecar) Reconnects() uint32 { return s.reconnects.Load() }

type sidecarStatus struct {
	Connected        bool              `json:"connected"`
	Model            string            `json:"model"`
	Battery          int               `json:"battery"`
	StorageAvailable bool              `json:"storageAvailable"`
	LiveViewActive   bool              `json:"liveviewActive"`
	Settings         map[string]string `json:"settings"`
}

func (s *Sidecar) Status(ctx context.Context) (*Status, error) {
	var raw sidecarStatus
	if err := s.get(ctx, "/api/v1/camera/status", &raw); err != nil {
		return &Status{Connected: false, Model: "Unknown", Settings: map[string]string{}}, nil
	}
	st := &Status{
		Connected:        raw.Connected,
		Model:            raw.Model,
		Battery:          raw.Battery,
		StorageAvailable: raw.StorageAvailable,
		LiveViewActive:   s.LiveViewActive(),
		Settings:         raw.Settings,
	}
	if st.Model == "" {
		st.Model = "Unknown"
	}
	if st.Settings == nil {
		st.Settings = map[string]string{}
	}
	return st, nil
}

func (s *Sidecar) SetProperty(ctx context.Context, id, value string) error {
	return s.post(ctx, "/api/v1/camera/config", map[string]string{"id": id, "value": value}, nil)
}

func (s *Sidecar) TriggerFocus(ctx context.Context) error {
	return s.post(ctx, "/api/v1/camera/focus", nil, nil)
}

func (s *Sidecar) ExtendShutdownTimer(ctx context.Context) error {
	if err := s.post(ctx, "/api/v1/camera/keepalive", nil, nil); err != nil {
		s.logger.Debugf("sidecar: keepalive not honored: %s", err)
	}
	return nil
}

func (s *Sidecar) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Sidecar) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return s.do(req, out)
}

func (s *Sidecar) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar: %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func classifySidecar(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusySignal(err) {
		return E(KindTransientBusy, op, "", err)
	}
	return E(KindUnknown, op, "", err)
}

func applyMeta(md *Metadata, raw map[string]string) {
	if raw == nil {
		return
	}
	if v := raw["model"]; v != "" {
		md.Model = v
	}
	if v := raw["iso"]; v != "" {
		md.ISO = v
	}
	if v := raw["shutterSpeed"]; v != "" {
		md.ShutterSpeed = v
	}
	if v := raw["aperture"]; v != "" {
		md.Aperture = v
	}
	if v := raw["focalLength"]; v != "" {
		md.FocalLength = v
	}
	if v := raw["timestamp"]; v != "" {
		md.Timestamp = v
	}
}
