package image

import (
	"bytes"
	stdimage "image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePNG(t *testing.T) []byte {
	t.Helper()
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeReportsDimensions(t *testing.T) {
	p := New()
	info, err := p.Decode(samplePNG(t))
	require.NoError(t, err)
	assert.Equal(t, 4, info.Width)
	assert.Equal(t, 4, info.Height)
	assert.Equal(t, "png", info.Format)
}

func TestToJPEGRoundTrips(t *testing.T) {
	p := New()
	jpegData, err := p.ToJPEG(samplePNG(t), 90)
	require.NoError(t, err)
	info, err := p.Decode(jpegData)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", info.Format)
}
