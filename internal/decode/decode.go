// Package decode turns raw tile bytes into images.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var errEmpty = errors.New("empty tile data")

// Decoder decodes one encoded tile.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (image.Image, error)

func (f DecoderFunc) Decode(data []byte) (image.Image, error) { return f(data) }

// Std decodes every format registered with the image package: png, jpeg,
// gif, bmp and webp.
type Std struct{}

func (Std) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("decoded %s tile has no pixels", format)
	}
	return img, nil
}
