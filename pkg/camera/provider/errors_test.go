package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKindThroughWrapping(t *testing.T) {
	base := E(KindCaptureTimeout, "cli.capture", "no completion", nil)
	wrapped := fmt.Errorf("shot 3: %w", base)

	if !IsKind(wrapped, KindCaptureTimeout) {
		t.Fatal("kind lost through wrapping")
	}
	if IsKind(wrapped, KindCaptureBusy) {
		t.Fatal("wrong kind matched")
	}
	if IsKind(errors.New("plain"), KindCaptureTimeout) {
		t.Fatal("untyped error matched a kind")
	}
}

func TestBusyErrNamesHolder(t *testing.T) {
	holder := OpContext{SessionID: "s1", Sequence: 3, Name: "capture"}
	err := BusyErr("capture", holder)

	if !IsKind(err, KindCaptureBusy) {
		t.Fatal("busy error has wrong kind")
	}
	var e *Error
	if !errors.As(err, &e) || e.Holder.SessionID != "s1" {
		t.Fatalf("holder not carried: %+v", err)
	}
}

func TestIsBusySignal(t *testing.T) {
	busy := []error{
		errors.New("Device busy"),
		errors.New("EBUSY"),
		errors.New("PTP I/O in progress"),
		errors.New("ioctl error -110"),
		E(KindTransientBusy, "x", "", nil),
	}
	for _, err := range busy {
		if !IsBusySignal(err) {
			t.Errorf("%v not recognized as busy", err)
		}
	}

	notBusy := []error{
		nil,
		errors.New("no such device"),
		E(KindCaptureTimeout, "x", "", nil),
	}
	for _, err := range notBusy {
		if IsBusySignal(err) {
			t.Errorf("%v misclassified as busy", err)
		}
	}
}

func TestIsFocusFailure(t *testing.T) {
	if !IsFocusFailure(errors.New("Autofocus failed, subject too close")) {
		t.Fatal("autofocus failure not detected")
	}
	if !IsFocusFailure(errors.New("Lens not attached")) {
		t.Fatal("lens failure not detected")
	}
	if IsFocusFailure(errors.New("device busy")) {
		t.Fatal("busy misclassified as focus failure")
	}
}
