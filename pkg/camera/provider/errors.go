package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies camera failures so callers can decide what to retry,
// what to surface and what to swallow.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotConnected: operation attempted before a provider connected.
	KindNotConnected
	// KindCaptureBusy: capture mutex contention (reject mode or full queue).
	KindCaptureBusy
	// KindCaptureTimeout: trigger-then-poll or hardware call exceeded its bound.
	KindCaptureTimeout
	// KindTransientBusy: retryable device-busy signal; retried internally and
	// only surfaced after retries exhaust.
	KindTransientBusy
	// KindFrameInvalid: demuxed region too small or malformed.
	KindFrameInvalid
	// KindPreviewTimeout: no frame produced within the startup window.
	KindPreviewTimeout
	// KindReconnectExhausted: push-channel reconnect attempts exceeded the maximum.
	KindReconnectExhausted
	// KindUnavailable: no configured provider variant could be activated.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindCaptureBusy:
		return "capture_busy"
	case KindCaptureTimeout:
		return "capture_timeout"
	case KindTransientBusy:
		return "transient_hardware_busy"
	case KindFrameInvalid:
		return "frame_decode_invalid"
	case KindPreviewTimeout:
		return "preview_timeout"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	case KindUnavailable:
		return "provider_unavailable"
	default:
		return "unknown"
	}
}

// OpContext names the operation that holds or wants the capture channel.
// Carried by busy errors so the rejected caller can report who is blocking.
type OpContext struct {
	SessionID string
	Sequence  int
	Name      string
}

func (o OpContext) String() string {
	if o.SessionID == "" {
		return o.Name
	}
	return fmt.Sprintf("%s(session=%s seq=%d)", o.Name, o.SessionID, o.Sequence)
}

// Error is the typed error every non-recoverable camera failure propagates as.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	// Holder is set on KindCaptureBusy: the operation owning the channel.
	Holder OpContext
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error.
func E(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// BusyErr reports capture-channel contention, naming the blocking operation.
func BusyErr(op string, holder OpContext) *Error {
	return &Error{Kind: KindCaptureBusy, Op: op, Detail: "blocked by " + holder.String(), Holder: holder}
}

// IsKind reports whether err is (or wraps) an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrPushOnly is returned from LiveViewFrame by push-mode providers.
var ErrPushOnly = errors.New("live view is push-based, use Frames()")

// ErrLiveViewUnsupported is returned by variants whose transport has no
// preview path at all (cli-wrapped, software-fallback).
var ErrLiveViewUnsupported = errors.New("live view not supported by this provider")

// IsBusySignal classifies vendor error text as a transient device-busy
// condition worth retrying. The vendors disagree on wording, so this is a
// keyword check on the message.
func IsBusySignal(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindTransientBusy) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, kw := range []string{"busy", "ebusy", "i/o in progress", "-110"} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// IsFocusFailure detects autofocus-related capture errors, which must not be
// retried as busy: the shot will keep failing until the subject or lens changes.
func IsFocusFailure(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, kw := range []string{"focus", "autofocus", "af failed", "lens not attached"} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
