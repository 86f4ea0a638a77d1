package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/backoff"
)

func sidecarTestConfig(srv *httptest.Server) SidecarConfig {
	return SidecarConfig{
		BaseURL:   srv.URL,
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
		Reconnect: backoff.Policy{
			Base:        time.Millisecond,
			Max:         time.Millisecond,
			Multiplier:  2,
			MaxAttempts: 5,
		},
	}
}

func recvChunk(t *testing.T, ch <-chan []byte) ([]byte, bool) {
	t.Helper()
	select {
	case chunk, ok := <-ch:
		return chunk, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk within deadline")
	}
	return nil, false
}

func TestSidecarReconnectMarksStreamReset(t *testing.T) {
	var dials atomic.Int32
	hold := make(chan struct{})
	up := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if dials.Add(1) == 1 {
			// The first connection drops mid-frame.
			conn.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0xD8, 1, 2, 3})
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte{7, 8, 0xFF, 0xD9})
		<-hold
		conn.Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSidecar(sidecarTestConfig(srv), dirPaths{root: t.TempDir()})
	checkErr(t, s.Connect(context.Background()))
	checkErr(t, s.StartLiveView(context.Background()))

	frames := s.Frames()
	if chunk, _ := recvChunk(t, frames); len(chunk) == 0 {
		t.Fatal("first chunk empty")
	}
	// The redial must be announced before any bytes from the new connection,
	// or the old connection's tail splices into the new stream.
	if chunk, ok := recvChunk(t, frames); !ok || len(chunk) != 0 {
		t.Fatalf("after reconnect got %d bytes, want the reset marker", len(chunk))
	}
	if chunk, _ := recvChunk(t, frames); len(chunk) == 0 {
		t.Fatal("no data from the new connection")
	}
	if s.Reconnects() == 0 {
		t.Fatal("reconnect not counted")
	}

	close(hold)
	checkErr(t, s.StopLiveView())
}

func TestSidecarExhaustionStopsRemoteLiveView(t *testing.T) {
	var dials, stops atomic.Int32
	up := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/api/v1/camera/liveview/stop", func(w http.ResponseWriter, r *http.Request) {
		stops.Add(1)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "sidecar restarting", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := sidecarTestConfig(srv)
	cfg.Reconnect.MaxAttempts = 2
	s := NewSidecar(cfg, dirPaths{root: t.TempDir()})
	checkErr(t, s.Connect(context.Background()))
	checkErr(t, s.StartLiveView(context.Background()))

	// Drain until the push channel closes on exhaustion.
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-s.Frames():
			open = ok
		case <-deadline:
			t.Fatal("push channel not closed after exhaustion")
		}
	}
	if !IsKind(s.StreamErr(), KindReconnectExhausted) {
		t.Fatalf("stream err = %v, want reconnect-exhausted", s.StreamErr())
	}
	if s.LiveViewActive() {
		t.Fatal("live view still reported active")
	}
	// The teardown's StopLiveView is a no-op by now, so the exhaustion path
	// itself must have told the sidecar to disengage.
	if got := stops.Load(); got != 1 {
		t.Fatalf("liveview/stop posted %d times, want 1", got)
	}
}
