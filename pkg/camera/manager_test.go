package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/preview"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
)

type fakeProvider struct {
	name       string
	connectErr error

	// captureEnter, when set, receives a signal as each shutter sequence
	// begins; captureGate, when set, holds the sequence open until a token
	// arrives. Together they let tests keep a capture in flight.
	captureEnter chan struct{}
	captureGate  chan struct{}

	mu                sync.Mutex
	connected         bool
	liveView          bool
	captureAttempts   int
	busyFirst         int
	hardErr           error
	liveViewAtCapture []bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeProvider) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeProvider) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeProvider) CapturePhoto(_ context.Context, req provider.CaptureRequest) (*provider.CaptureResult, error) {
	f.mu.Lock()
	f.captureAttempts++
	f.liveViewAtCapture = append(f.liveViewAtCapture, f.liveView)
	busy := f.hardErr == nil && f.captureAttempts <= f.busyFirst
	hardErr := f.hardErr
	f.mu.Unlock()

	if f.captureEnter != nil {
		f.captureEnter <- struct{}{}
	}
	if f.captureGate != nil {
		<-f.captureGate
	}
	if hardErr != nil {
		return nil, hardErr
	}
	if busy {
		return nil, provider.E(provider.KindTransientBusy, "fake.capture", "device busy", nil)
	}
	return &provider.CaptureResult{
		ImagePath: "/photos/" + req.SessionID,
		Metadata:  provider.NewMetadata(),
	}, nil
}

func (f *fakeProvider) CancelCapture(context.Context) error { return nil }

func (f *fakeProvider) StartLiveView(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveView = true
	return nil
}

func (f *fakeProvider) StopLiveView() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveView = false
	return nil
}

func (f *fakeProvider) LiveViewActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveView
}

func (f *fakeProvider) LiveViewFrame(context.Context) ([]byte, error) {
	return []byte("frame"), nil
}

func (f *fakeProvider) Status(context.Context) (*provider.Status, error) {
	return &provider.Status{Connected: f.IsConnected(), Model: f.name}, nil
}

func (f *fakeProvider) SetProperty(context.Context, string, string) error { return nil }
func (f *fakeProvider) TriggerFocus(context.Context) error                { return nil }
func (f *fakeProvider) ExtendShutdownTimer(context.Context) error         { return nil }

func (f *fakeProvider) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureAttempts
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []provider.CaptureRequest
	results []*provider.CaptureResult
}

func (r *fakeRecorder) RecordCapture(_ context.Context, req provider.CaptureRequest, res *provider.CaptureResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, req)
	r.results = append(r.results, res)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeRecorder) last() *provider.CaptureResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return nil
	}
	return r.results[len(r.results)-1]
}

func testManagerConfig() Config {
	return Config{
		Policy:         PolicyReject,
		BusyRetries:    5,
		BusyRetryDelay: time.Millisecond,
		SettleDelay:    time.Millisecond,
		Preview: preview.Config{
			FrameInterval:  time.Millisecond,
			StartupTimeout: 2 * time.Second,
		},
	}
}

func waitForLive(t *testing.T, p *fakeProvider, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.LiveViewActive() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("live view did not reach %v", want)
}

func TestCaptureRetriesTransientBusy(t *testing.T) {
	prov := &fakeProvider{name: "fake", busyFirst: 3}
	rec := &fakeRecorder{}
	m := New(testManagerConfig(), rec, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.ImagePath == "" {
		t.Fatal("empty image path on success")
	}
	if got := prov.attempts(); got != 4 {
		t.Fatalf("capture attempts = %d, want 4", got)
	}
	if rec.count() != 1 {
		t.Fatalf("recorder called %d times", rec.count())
	}
}

func TestCaptureBusyRetriesExhausted(t *testing.T) {
	prov := &fakeProvider{name: "fake", busyFirst: 100}
	rec := &fakeRecorder{}
	m := New(testManagerConfig(), rec, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1})
	if !provider.IsKind(err, provider.KindTransientBusy) {
		t.Fatalf("got %v, want transient-busy", err)
	}
	if got := prov.attempts(); got != 5 {
		t.Fatalf("capture attempts = %d, want 5", got)
	}
	if rec.count() != 0 {
		t.Fatal("failed capture reached the recorder")
	}
}

func TestCaptureHardErrorFailsFast(t *testing.T) {
	prov := &fakeProvider{name: "fake"}
	prov.hardErr = provider.E(provider.KindCaptureTimeout, "fake.capture", "no completion", nil)
	m := New(testManagerConfig(), nil, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1})
	if !provider.IsKind(err, provider.KindCaptureTimeout) {
		t.Fatalf("got %v, want capture-timeout", err)
	}
	if got := prov.attempts(); got != 1 {
		t.Fatalf("hard error retried: %d attempts", got)
	}
}

func TestCaptureSuspendsAndResumesPreview(t *testing.T) {
	prov := &fakeProvider{name: "fake"}
	m := New(testManagerConfig(), nil, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch, err := m.Preview().Subscribe("kiosk")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Preview().StopAll()

	// Wait for streaming before capturing.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame before capture")
	}

	if _, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	// The shutter must never fire with live view engaged.
	prov.mu.Lock()
	states := append([]bool(nil), prov.liveViewAtCapture...)
	prov.mu.Unlock()
	for i, lv := range states {
		if lv {
			t.Fatalf("attempt %d fired during live view", i)
		}
	}

	// A remaining subscriber gets the stream back afterwards.
	waitForLive(t, prov, true)
}

func TestRejectedCaptureLeavesPreviewSuspended(t *testing.T) {
	prov := &fakeProvider{
		name:         "fake",
		captureEnter: make(chan struct{}, 1),
		captureGate:  make(chan struct{}, 1),
	}
	m := New(testManagerConfig(), nil, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch, err := m.Preview().Subscribe("kiosk")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Preview().StopAll()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame before capture")
	}

	first := make(chan error, 1)
	go func() {
		_, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1})
		first <- err
	}()
	<-prov.captureEnter
	if prov.LiveViewActive() {
		t.Fatal("live view active at the shutter")
	}

	_, err = m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 2})
	if !provider.IsKind(err, provider.KindCaptureBusy) {
		t.Fatalf("second capture: got %v, want capture-busy", err)
	}

	// The rejected caller never suspended and must not restart the preview
	// loop under the capture still holding the lock.
	time.Sleep(30 * time.Millisecond)
	if prov.LiveViewActive() {
		t.Fatal("rejected capture re-engaged live view mid-capture")
	}

	prov.captureGate <- struct{}{}
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	waitForLive(t, prov, true)
}

func TestQueuedCaptureKeepsPreviewSuspended(t *testing.T) {
	prov := &fakeProvider{
		name:         "fake",
		captureEnter: make(chan struct{}, 2),
		captureGate:  make(chan struct{}, 2),
	}
	cfg := testManagerConfig()
	cfg.Policy = PolicyQueue
	m := New(cfg, nil, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch, err := m.Preview().Subscribe("kiosk")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Preview().StopAll()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame before capture")
	}

	errs := make(chan error, 2)
	capture := func(seq int) {
		_, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: seq})
		errs <- err
	}
	go capture(1)
	<-prov.captureEnter
	go capture(2)
	time.Sleep(10 * time.Millisecond) // let the second caller queue

	// Finishing the first capture hands the lock to the queued one; its
	// resume must not re-engage live view under the second shutter.
	prov.captureGate <- struct{}{}
	<-prov.captureEnter
	if prov.LiveViewActive() {
		t.Fatal("live view active at the second shutter")
	}
	time.Sleep(30 * time.Millisecond)
	if prov.LiveViewActive() {
		t.Fatal("first capture's resume re-engaged live view under the queued one")
	}

	prov.captureGate <- struct{}{}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	prov.mu.Lock()
	states := append([]bool(nil), prov.liveViewAtCapture...)
	prov.mu.Unlock()
	for i, lv := range states {
		if lv {
			t.Fatalf("attempt %d fired during live view", i)
		}
	}
	waitForLive(t, prov, true)
}

func TestCaptureStampsCoordinatedClock(t *testing.T) {
	fixed := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	cfg := testManagerConfig()
	cfg.Now = func() time.Time { return fixed }
	prov := &fakeProvider{name: "fake"}
	rec := &fakeRecorder{}
	m := New(cfg, rec, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := fixed.Format(time.RFC3339)
	if res.Metadata.Timestamp != want {
		t.Fatalf("timestamp = %q, want %q", res.Metadata.Timestamp, want)
	}
	if got := rec.last(); got == nil || got.Metadata.Timestamp != want {
		t.Fatalf("recorded timestamp = %+v, want %q", got, want)
	}
}

func TestCaptureWithoutProvider(t *testing.T) {
	m := New(testManagerConfig(), nil, &fakeProvider{name: "dead", connectErr: provider.E(provider.KindUnavailable, "fake.connect", "unplugged", nil)})
	if err := m.Activate(context.Background()); !provider.IsKind(err, provider.KindUnavailable) {
		t.Fatalf("activate: got %v, want unavailable", err)
	}

	_, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1})
	if !provider.IsKind(err, provider.KindNotConnected) {
		t.Fatalf("got %v, want not-connected", err)
	}
}

func TestActivatePriorityOrder(t *testing.T) {
	dead := &fakeProvider{name: "dead", connectErr: provider.E(provider.KindUnavailable, "fake.connect", "unplugged", nil)}
	alive := &fakeProvider{name: "alive"}
	m := New(testManagerConfig(), nil, dead, alive)

	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.Active().Name(); got != "alive" {
		t.Fatalf("active provider = %s", got)
	}

	results := m.Detect(context.Background())
	if len(results) != 2 {
		t.Fatalf("detect returned %d results", len(results))
	}
	if results[0].Available || results[0].Error == "" {
		t.Fatalf("dead provider reported available: %+v", results[0])
	}
	if !results[1].Available || !results[1].Active {
		t.Fatalf("alive provider: %+v", results[1])
	}
}

func TestHealthSnapshot(t *testing.T) {
	prov := &fakeProvider{name: "fake"}
	m := New(testManagerConfig(), nil, prov)
	if err := m.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Capture(context.Background(), provider.CaptureRequest{SessionID: "s1", Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	h := m.Health()
	if !h.Connected || h.Provider != "fake" || h.Captures != 1 {
		t.Fatalf("health = %+v", h)
	}
}
