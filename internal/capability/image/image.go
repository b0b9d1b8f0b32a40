// Package image is the image-processing capability module: the
// require("image") surface granted to scripts holding the "image"
// permission (spec §4.D protected modules). The spec specifies this
// capability only at its interface; this package backs it with
// image/png and image/jpeg from the standard library rather than a
// full image-processing stack, which is explicitly out of scope.
package image

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"boxhost/internal/boxerr"
)

// Info describes a decoded image without exposing the raw pixel buffer.
type Info struct {
	Width  int
	Height int
	Format string
}

// Processor is the interface a script sees via require("image").
type Processor interface {
	Decode(data []byte) (Info, error)
	ToPNG(data []byte) ([]byte, error)
	ToJPEG(data []byte, quality int) ([]byte, error)
}

type stdProcessor struct{}

func New() Processor { return &stdProcessor{} }

func (p *stdProcessor) Decode(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, boxerr.Newf(boxerr.KindValidation, err, "image: decoding")
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

func (p *stdProcessor) ToPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "image: decoding")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "image: encoding png")
	}
	return buf.Bytes(), nil
}

func (p *stdProcessor) ToJPEG(data []byte, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "image: decoding")
	}
	if quality <= 0 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "image: encoding jpeg")
	}
	return buf.Bytes(), nil
}
