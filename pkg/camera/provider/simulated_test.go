package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type dirPaths struct {
	root string
}

func (p dirPaths) PhotoPath(sessionID string, sequence int) string {
	return filepath.Join(p.root, sessionID, fmt.Sprintf("img_%04d.jpg", sequence))
}

func TestSimulatedCapture(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Width: 64, Height: 48}, dirPaths{root: t.TempDir()})
	ctx := context.Background()

	if _, err := s.CapturePhoto(ctx, CaptureRequest{SessionID: "s1", Sequence: 1}); !IsKind(err, KindNotConnected) {
		t.Fatalf("capture before connect: got %v, want not-connected", err)
	}

	checkErr(t, s.Connect(ctx))
	res, err := s.CapturePhoto(ctx, CaptureRequest{SessionID: "s1", Sequence: 1})
	checkErr(t, err)

	data, err := os.ReadFile(res.ImagePath)
	checkErr(t, err)
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) || !bytes.HasSuffix(data, []byte{0xFF, 0xD9}) {
		t.Fatal("capture output is not a JPEG")
	}
	if res.Metadata.Model != "Simulated Camera" {
		t.Fatalf("metadata model = %q", res.Metadata.Model)
	}
}

func TestSimulatedRetakeOverwrites(t *testing.T) {
	paths := dirPaths{root: t.TempDir()}
	s := NewSimulated(SimulatedConfig{Width: 64, Height: 48}, paths)
	ctx := context.Background()
	checkErr(t, s.Connect(ctx))

	first, err := s.CapturePhoto(ctx, CaptureRequest{SessionID: "s1", Sequence: 2})
	checkErr(t, err)
	second, err := s.CapturePhoto(ctx, CaptureRequest{SessionID: "s1", Sequence: 2})
	checkErr(t, err)

	if first.ImagePath != second.ImagePath {
		t.Fatalf("retake path changed: %s vs %s", first.ImagePath, second.ImagePath)
	}
}

func TestSimulatedInjectedBusy(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Width: 64, Height: 48, FailCaptures: 2}, dirPaths{root: t.TempDir()})
	ctx := context.Background()
	checkErr(t, s.Connect(ctx))

	for i := 0; i < 2; i++ {
		_, err := s.CapturePhoto(ctx, CaptureRequest{SessionID: "s1", Sequence: i})
		if !IsKind(err, KindTransientBusy) {
			t.Fatalf("injected failure %d: got %v, want transient-busy", i, err)
		}
		if !IsBusySignal(err) {
			t.Fatalf("injected failure %d not recognized as busy signal", i)
		}
	}
	_, err := s.CapturePhoto(ctx, CaptureRequest{SessionID: "s1", Sequence: 3})
	checkErr(t, err)
}

func TestSimulatedLiveView(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Width: 64, Height: 48}, dirPaths{root: t.TempDir()})
	ctx := context.Background()
	checkErr(t, s.Connect(ctx))

	if _, err := s.LiveViewFrame(ctx); err == nil {
		t.Fatal("frame served before live view engaged")
	}

	checkErr(t, s.StartLiveView(ctx))
	if !s.LiveViewActive() {
		t.Fatal("live view not active after start")
	}
	a, err := s.LiveViewFrame(ctx)
	checkErr(t, err)
	b, err := s.LiveViewFrame(ctx)
	checkErr(t, err)
	if len(a) == 0 || len(b) == 0 {
		t.Fatal("empty preview frame")
	}
	if bytes.Equal(a, b) {
		t.Fatal("consecutive preview frames identical")
	}

	checkErr(t, s.StopLiveView())
	if s.LiveViewActive() {
		t.Fatal("live view active after stop")
	}
}

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
