package face

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vibecodejam/proctor/internal/event"
)

const thumbnailWidth = 160

// Screenshot is a frame captured on a severity-worthy presence transition.
// Uploaded flips once the collector acknowledged the upload; until then the
// screenshot stays in the retry queue (at-least-once).
type Screenshot struct {
	ID        string
	Timestamp time.Time
	Severity  event.Severity
	FaceCount int
	Image     []byte // JPEG, annotated when boxes were available
	Thumbnail []byte // small JPEG preview, may be nil
	Uploaded  bool
}

// newScreenshot builds a screenshot from a captured frame, drawing bounding
// boxes when the model backend supplied them.
func newScreenshot(frame Frame, severity event.Severity, count Count) *Screenshot {
	img := frame.JPEG
	var thumb []byte

	if decoded, err := jpeg.Decode(bytes.NewReader(frame.JPEG)); err == nil {
		annotated := annotate(decoded, count.Boxes)
		if encoded := encodeJPEG(annotated); encoded != nil {
			img = encoded
		}
		thumb = encodeJPEG(downscale(annotated, thumbnailWidth))
	} else if len(frame.JPEG) > 0 {
		slog.Debug("Screenshot annotation skipped", "error", err)
	}

	return &Screenshot{
		ID:        uuid.NewString(),
		Timestamp: frame.At,
		Severity:  severity,
		FaceCount: count.Faces,
		Image:     img,
		Thumbnail: thumb,
	}
}

// annotate draws box outlines onto a copy of the image. With no boxes the
// plain timestamped frame is returned unchanged.
func annotate(src image.Image, boxes []Box) image.Image {
	if len(boxes) == 0 {
		return src
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	outline := color.RGBA{R: 255, A: 255}
	for _, b := range boxes {
		drawRect(dst, b, outline)
	}
	return dst
}

func drawRect(dst *image.RGBA, b Box, c color.RGBA) {
	for x := b.X; x < b.X+b.W; x++ {
		setIfInside(dst, x, b.Y, c)
		setIfInside(dst, x, b.Y+b.H-1, c)
	}
	for y := b.Y; y < b.Y+b.H; y++ {
		setIfInside(dst, b.X, y, c)
		setIfInside(dst, b.X+b.W-1, y, c)
	}
}

func setIfInside(dst *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(dst.Bounds()) {
		dst.SetRGBA(x, y, c)
	}
}

// downscale produces a nearest-neighbor preview of the given width.
func downscale(src image.Image, width int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= width || bounds.Dx() == 0 {
		return src
	}
	height := bounds.Dy() * width / bounds.Dx()
	if height == 0 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil
	}
	return buf.Bytes()
}
