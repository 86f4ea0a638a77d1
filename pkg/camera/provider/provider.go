package provider

import (
	"context"
	"time"
)

// CaptureRequest identifies one logical shot. Sequence numbers are assigned by
// the caller and unique within a session, except for an explicit retake of the
// same number.
type CaptureRequest struct {
	SessionID string
	Sequence  int
}

// CaptureResult is the outcome of a successful capture. ImagePath is never
// empty; a failed capture returns a typed error instead.
type CaptureResult struct {
	ImagePath string   `json:"imagePath"`
	Metadata  Metadata `json:"metadata"`
}

// Metadata is a best-effort bag of camera fields. Absent values keep their
// defaults; readers must never fail on a missing field.
type Metadata struct {
	Model        string `json:"model"`
	ISO          string `json:"iso"`
	ShutterSpeed string `json:"shutterSpeed"`
	Aperture     string `json:"aperture"`
	FocalLength  string `json:"focalLength"`
	Timestamp    string `json:"timestamp"`
}

// NewMetadata returns a Metadata with the documented defaults filled in.
func NewMetadata() Metadata {
	return Metadata{
		Model:        "Unknown",
		ISO:          "Auto",
		ShutterSpeed: "Auto",
		Aperture:     "Auto",
		FocalLength:  "Auto",
		Timestamp:    time.Now().Format(time.RFC3339),
	}
}

// Status is a transient snapshot of the camera, recomputed on every call.
type Status struct {
	Connected        bool              `json:"connected"`
	Model            string            `json:"model"`
	Battery          int               `json:"battery"`
	StorageAvailable bool              `json:"storageAvailable"`
	LiveViewActive   bool              `json:"liveViewActive"`
	Settings         map[string]string `json:"settings"`
}

// Provider is one concrete way to talk to a camera. All variants implement the
// full capability set; operations a transport cannot express return a typed
// error (or are no-ops where documented).
//
// Suspending live view around a still capture is the caller's responsibility,
// not the provider's: CapturePhoto must work even while LiveViewActive is true.
type Provider interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	CapturePhoto(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	CancelCapture(ctx context.Context) error

	StartLiveView(ctx context.Context) error
	StopLiveView() error
	LiveViewActive() bool
	// LiveViewFrame returns one preview frame (pull mode). Push-mode providers
	// implement FramePusher instead and return ErrPushOnly here.
	LiveViewFrame(ctx context.Context) ([]byte, error)

	Status(ctx context.Context) (*Status, error)
	SetProperty(ctx context.Context, id, value string) error
	TriggerFocus(ctx context.Context) error
	ExtendShutdownTimer(ctx context.Context) error
}

// FramePusher is implemented by providers whose live view is push-based: a
// continuous, arbitrarily-chunked byte stream on the returned channel. The
// channel is valid between StartLiveView and StopLiveView and closed on stop.
// A zero-length chunk marks a transport reconnect; the consumer must discard
// any partially accumulated frame, because the new stream starts mid-frame.
type FramePusher interface {
	Frames() <-chan []byte
}

// PathResolver maps a capture request to the file path the provider should
// write the still image to. Implemented by the photo store.
type PathResolver interface {
	PhotoPath(sessionID string, sequence int) string
}
