package demux

import (
	"bytes"
	"testing"
)

func jpegFrame(fill byte, payload int) []byte {
	f := make([]byte, 0, payload+4)
	f = append(f, 0xFF, 0xD8)
	for i := 0; i < payload; i++ {
		f = append(f, fill)
	}
	f = append(f, 0xFF, 0xD9)
	return f
}

func checkFrames(t *testing.T, got [][]byte, want ...[]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d mismatch: got %d bytes, want %d bytes", i, len(got[i]), len(want[i]))
		}
	}
}

func TestPushSingleChunk(t *testing.T) {
	d := New(8)
	f1 := jpegFrame(0xAB, 32)
	f2 := jpegFrame(0xCD, 32)

	var stream []byte
	stream = append(stream, f1...)
	stream = append(stream, f2...)

	checkFrames(t, d.Push(stream), f1, f2)
	if d.Pending() != 0 {
		t.Fatalf("pending %d bytes after clean emit", d.Pending())
	}
}

func TestPushByteAtATime(t *testing.T) {
	d := New(8)
	f1 := jpegFrame(0xAB, 20)
	f2 := jpegFrame(0xCD, 40)

	var stream []byte
	stream = append(stream, f1...)
	stream = append(stream, f2...)

	var got [][]byte
	for i := range stream {
		got = append(got, d.Push(stream[i:i+1])...)
	}
	checkFrames(t, got, f1, f2)
}

func TestPushMarkerSplitAcrossChunks(t *testing.T) {
	d := New(8)
	f := jpegFrame(0xAB, 30)

	// Cut between the 0xFF and 0xD9 of the trailing marker.
	cut := len(f) - 1
	got := d.Push(f[:cut])
	if len(got) != 0 {
		t.Fatalf("emitted %d frames before the marker completed", len(got))
	}
	got = append(got, d.Push(f[cut:])...)
	checkFrames(t, got, f)
}

func TestPushGarbagePrefix(t *testing.T) {
	d := New(8)
	f := jpegFrame(0xAB, 24)

	stream := append([]byte{0x00, 0x11, 0x22, 0xFF, 0x33}, f...)
	checkFrames(t, d.Push(stream), f)
	if d.Dropped() != 0 {
		t.Fatalf("garbage prefix counted as dropped frame")
	}
}

func TestPushUndersizedRegionDropped(t *testing.T) {
	d := New(16)
	runt := jpegFrame(0xAB, 2) // 6 bytes, below minimum
	good := jpegFrame(0xCD, 24)

	var stream []byte
	stream = append(stream, runt...)
	stream = append(stream, good...)

	checkFrames(t, d.Push(stream), good)
	if d.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", d.Dropped())
	}
}

func TestReset(t *testing.T) {
	d := New(8)
	partial := jpegFrame(0xAB, 30)
	d.Push(partial[:10])
	if d.Pending() == 0 {
		t.Fatal("expected buffered bytes before reset")
	}

	d.Reset()
	if d.Pending() != 0 || d.Dropped() != 0 {
		t.Fatal("reset did not clear state")
	}

	// A fresh frame after reset must come out whole, unpolluted by the
	// pre-reset partial.
	f := jpegFrame(0xCD, 24)
	checkFrames(t, d.Push(f), f)
}
