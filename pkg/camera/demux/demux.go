// Package demux splits a continuous, arbitrarily-chunked byte stream into
// discrete JPEG frames. Push-mode camera links deliver raw bytes with no frame
// boundaries; the demuxer finds them by scanning for the JPEG start-of-image
// (0xFFD8) and end-of-image (0xFFD9) markers.
package demux

import "bytes"

const (
	// DefaultMinFrameSize rejects marker pairs too short to be a real
	// compressed image; 0xFFD9 occurs in frame entropy data often enough
	// that a plain scan needs this guard.
	DefaultMinFrameSize = 1024

	// compactThreshold bounds how many consumed bytes may sit in front of
	// the unconsumed tail before the buffer is compacted.
	compactThreshold = 1 << 20
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Demuxer accumulates stream chunks and extracts complete frames. Not safe for
// concurrent use; the preview loop is its only caller.
type Demuxer struct {
	buf     []byte
	start   int // offset of current frame's SOI, -1 while searching
	scan    int // first offset not yet scanned for a marker
	minSize int
	dropped int
}

// New returns a Demuxer with minimum plausible frame size minSize.
// minSize <= 0 selects DefaultMinFrameSize.
func New(minSize int) *Demuxer {
	if minSize <= 0 {
		minSize = DefaultMinFrameSize
	}
	return &Demuxer{start: -1, minSize: minSize}
}

// Push appends one chunk and returns every complete frame it finishes, in
// stream order. Each returned frame is an independent copy beginning with SOI
// and ending with EOI. Total work is amortized linear in bytes pushed: the
// scan position never moves backwards past marker width.
func (d *Demuxer) Push(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		if d.start < 0 {
			i := bytes.Index(d.buf[d.scan:], soi)
			if i < 0 {
				// No SOI yet: everything so far is garbage or a split
				// marker. Keep the last byte in case it is 0xFF.
				d.discardTo(max(len(d.buf)-1, 0))
				return frames
			}
			// Leading garbage before the marker is dropped.
			d.discardTo(d.scan + i)
			d.start = 0
			d.scan = len(soi)
		}

		j := bytes.Index(d.buf[d.scan:], eoi)
		if j < 0 {
			// SOI with no EOI yet: keep the tail, resume scanning just
			// before the end in case EOI is split across chunks.
			d.scan = max(len(d.buf)-1, d.scan)
			return frames
		}
		end := d.scan + j + len(eoi)

		if end-d.start < d.minSize {
			// Too short to be a real frame. Drop the region and resync.
			d.dropped++
			d.discardTo(end)
			d.start = -1
			continue
		}

		frame := make([]byte, end-d.start)
		copy(frame, d.buf[d.start:end])
		frames = append(frames, frame)
		d.discardTo(end)
		d.start = -1
	}
}

// Dropped returns how many undersized marker regions have been discarded
// since the last Reset.
func (d *Demuxer) Dropped() int { return d.dropped }

// Pending returns the number of buffered bytes not yet emitted.
func (d *Demuxer) Pending() int { return len(d.buf) }

// Reset clears all buffered state, including the dropped counter. Called when
// a push link reconnects so a partial frame from the old connection cannot
// corrupt the first frame of the new one.
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
	d.start = -1
	d.scan = 0
	d.dropped = 0
}

// discardTo drops buf[:n] and rebases offsets. The underlying array is reused
// in place once the dead prefix grows past compactThreshold.
func (d *Demuxer) discardTo(n int) {
	if n <= 0 {
		return
	}
	d.buf = d.buf[n:]
	d.scan -= n
	if d.scan < 0 {
		d.scan = 0
	}
	if d.start >= 0 {
		d.start -= n
	}
	if cap(d.buf)-len(d.buf) > compactThreshold {
		compact := make([]byte, len(d.buf))
		copy(compact, d.buf)
		d.buf = compact
	}
}
