// internal/img/preview.go
package img

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// GeneratePreview decodes an image, fits it within the boxW x boxH bounding
// box (never upscaling), and returns the result re-encoded as PNG along with
// its dimensions. Previews let the storefront list session results without
// pulling full-size assets.
func GeneratePreview(data []byte, boxW, boxH int) (out []byte, w int, h int, _ error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode: %w", err)
	}

	thumb := imaging.Fit(src, boxW, boxH, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, 0, 0, fmt.Errorf("encode: %w", err)
	}

	b := thumb.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}
