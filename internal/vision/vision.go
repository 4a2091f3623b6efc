// Package vision does the pixel work on camera frames: cropping the
// object region out of a frame for first-detection persistence, and
// painting detection boxes onto frames for the video relay.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/airfield/surface-safety-server/internal/model"
)

// qualityThresholdBytes is the §4.6 cutoff above which the crop is
// re-encoded at reduced quality.
const qualityThresholdBytes = 4096

const (
	defaultQuality  = 95
	reducedQuality  = 85
)

// CropAndEncode decodes frameJPEG, crops to box (clamped to the frame's
// bounds), and re-encodes as JPEG. If the default-quality encoding
// exceeds qualityThresholdBytes it is re-encoded once more at quality
// 85.
func CropAndEncode(frameJPEG []byte, box model.BBox) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return nil, fmt.Errorf("vision: decode frame: %w", err)
	}

	rect := clampRect(src.Bounds(), box)
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return nil, fmt.Errorf("vision: empty crop region %v", rect)
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), src, rect.Min, draw.Src)

	out, err := encode(crop, defaultQuality)
	if err != nil {
		return nil, err
	}
	if len(out) > qualityThresholdBytes {
		out, err = encode(crop, reducedQuality)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// outlineWidth is the box border thickness in pixels.
const outlineWidth = 2

// DrawDetections paints each detection's bounding box onto the frame
// and re-encodes it, joining a relay frame with the detections that
// apply to it. Boxes outside the frame are skipped.
func DrawDetections(frameJPEG []byte, dets []model.Detection) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return nil, fmt.Errorf("vision: decode frame: %w", err)
	}

	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, d := range dets {
		r := clampRect(canvas.Bounds(), d.Box)
		if r.Dx() <= 0 || r.Dy() <= 0 {
			continue
		}
		drawOutline(canvas, r, boxColor(d.Class))
	}
	return encode(canvas, reducedQuality)
}

func boxColor(class model.ObjectClass) color.RGBA {
	switch class {
	case model.ClassBird, model.ClassFOD, model.ClassAnimal:
		return color.RGBA{R: 220, A: 255}
	case model.ClassPerson:
		return color.RGBA{R: 240, G: 200, A: 255}
	default:
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
}

func drawOutline(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for w := 0; w < outlineWidth; w++ {
		inner := r.Inset(w)
		if inner.Dx() <= 0 || inner.Dy() <= 0 {
			return
		}
		for x := inner.Min.X; x < inner.Max.X; x++ {
			img.SetRGBA(x, inner.Min.Y, c)
			img.SetRGBA(x, inner.Max.Y-1, c)
		}
		for y := inner.Min.Y; y < inner.Max.Y; y++ {
			img.SetRGBA(inner.Min.X, y, c)
			img.SetRGBA(inner.Max.X-1, y, c)
		}
	}
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("vision: encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

func clampRect(bounds image.Rectangle, box model.BBox) image.Rectangle {
	r := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)).Canon()
	return r.Intersect(bounds)
}
