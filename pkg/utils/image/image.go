package image

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

func EncodeJPEG(img image.Image, dst io.Writer, quality int) error {
	return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
}

// Placeholder renders a deterministic test pattern: a solid hue derived from
// seed with a moving diagonal band, so consecutive seeds are visibly distinct
// frames in a preview stream.
func Placeholder(width, height, seed int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := color.RGBA{
		R: uint8(37 * seed),
		G: uint8(91 * seed),
		B: uint8(173 * seed),
		A: 255,
	}
	band := (seed * 8) % (width + height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := base
			if d := x + y - band; d >= 0 && d < 32 {
				c = color.RGBA{R: 255 - base.R, G: 255 - base.G, B: 255 - base.B, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// PlaceholderJPEG renders Placeholder(width, height, seed) and encodes it.
func PlaceholderJPEG(width, height, seed, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeJPEG(Placeholder(width, height, seed), &buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
