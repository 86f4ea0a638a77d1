// Package video assembles MJPEG frames into AVI clips. Used by the
// diagnostic preview-record endpoint to capture a short sample of the live
// view for remote inspection.
package video

import (
	"context"
	"time"

	"github.com/icza/mjpeg"
)

type Builder struct {
	width  int
	height int
	fps    int

	cnt int
	aw  mjpeg.AviWriter
}

func NewBuilder(path string, width, height, fps int) (*Builder, error) {
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}

	return &Builder{
		width:  width,
		height: height,
		fps:    fps,
		aw:     aw,
	}, nil
}

func (b *Builder) Add(frame []byte) error {
	err := b.aw.AddFrame(frame)
	if err != nil {
		return err
	}
	b.cnt++

	return nil
}

func (b *Builder) Close() error {
	return b.aw.Close()
}

func (b *Builder) GetCnt() int {
	return b.cnt
}

// Record drains frames into the builder until the duration elapses, the
// channel closes, or ctx cancels. Returns the number of frames written.
func (b *Builder) Record(ctx context.Context, frames <-chan []byte, d time.Duration) (int, error) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	start := b.cnt
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return b.cnt - start, nil
			}
			if err := b.Add(frame); err != nil {
				return b.cnt - start, err
			}
		case <-deadline.C:
			return b.cnt - start, nil
		case <-ctx.Done():
			return b.cnt - start, ctx.Err()
		}
	}
}
