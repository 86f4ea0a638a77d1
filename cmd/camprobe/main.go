// camprobe exercises one camera provider from the command line: connect,
// print status, save a live-view frame and a test capture. Useful when
// bringing up new kiosk hardware without the full service running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/demux"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
)

var (
	name       = flag.String("provider", "simulated", "provider: sidecar|httpproxy|cli|v4l2|webcam|simulated")
	devicePath = flag.String("device", "/dev/video0", "v4l2 device path")
	cliTool    = flag.String("cli-tool", "CameraControlCmd", "vendor capture executable")
	proxyURL   = flag.String("proxy-url", "http://127.0.0.1:5513", "vendor web server base url")
	sidecarURL = flag.String("sidecar-url", "http://127.0.0.1:8077", "sidecar control base url")
	sidecarWS  = flag.String("sidecar-ws", "ws://127.0.0.1:8077/stream", "sidecar websocket url")
	outDir     = flag.String("out", ".", "output directory")
)

type flatPaths struct {
	dir string
}

func (p flatPaths) PhotoPath(sessionID string, sequence int) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%04d.jpg", sessionID, sequence))
}

func main() {
	flag.Parse()
	paths := flatPaths{dir: *outDir}

	var prov provider.Provider
	switch *name {
	case "sidecar":
		prov = provider.NewSidecar(provider.SidecarConfig{BaseURL: *sidecarURL, StreamURL: *sidecarWS}, paths)
	case "httpproxy":
		prov = provider.NewHTTPProxy(provider.HTTPProxyConfig{BaseURL: *proxyURL, SessionFolder: *outDir}, paths)
	case "cli":
		prov = provider.NewCLI(provider.CLIConfig{Executable: *cliTool}, paths)
	case "v4l2":
		prov = provider.NewV4L2(provider.V4L2Config{DevicePath: *devicePath}, paths)
	case "webcam":
		prov = provider.NewWebcam(provider.WebcamConfig{}, paths)
	case "simulated":
		prov = provider.NewSimulated(provider.SimulatedConfig{}, paths)
	default:
		log.Fatalf("unknown provider %q", *name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := prov.Connect(ctx); err != nil {
		log.Fatalf("connect: %s", err)
	}
	defer prov.Disconnect()

	status, err := prov.Status(ctx)
	if err != nil {
		log.Fatalf("status: %s", err)
	}
	log.Printf("model=%s battery=%d storage=%v", status.Model, status.Battery, status.StorageAvailable)

	if err := grabFrame(ctx, prov); err != nil {
		log.Printf("live view: %s", err)
	}

	res, err := prov.CapturePhoto(ctx, provider.CaptureRequest{SessionID: "probe", Sequence: 1})
	if err != nil {
		log.Fatalf("capture: %s", err)
	}
	log.Printf("captured %s (iso=%s shutter=%s)", res.ImagePath, res.Metadata.ISO, res.Metadata.ShutterSpeed)
}

func grabFrame(ctx context.Context, prov provider.Provider) error {
	if err := prov.StartLiveView(ctx); err != nil {
		return err
	}
	defer prov.StopLiveView()

	var frame []byte
	if pusher, ok := prov.(provider.FramePusher); ok {
		dmx := demux.New(0)
		deadline := time.After(10 * time.Second)
		for frame == nil {
			select {
			case chunk, open := <-pusher.Frames():
				if !open {
					return fmt.Errorf("push channel closed")
				}
				if frames := dmx.Push(chunk); len(frames) > 0 {
					frame = frames[0]
				}
			case <-deadline:
				return fmt.Errorf("no pushed frame within 10s")
			}
		}
	} else {
		var err error
		frame, err = prov.LiveViewFrame(ctx)
		if err != nil {
			return err
		}
	}

	out := filepath.Join(*outDir, "liveview.jpg")
	if err := os.WriteFile(out, frame, 0640); err != nil {
		return err
	}
	log.Printf("saved live-view frame to %s (%d bytes)", out, len(frame))
	return nil
}
