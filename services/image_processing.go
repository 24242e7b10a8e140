package services

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// WhitenBackgroundFeathered applies a soft threshold to whiten a garment's background.
// It uses a transition range to smoothly blend pixels towards white, avoiding hard edges,
// so the luminance mask of the compositor drops studio backdrops cleanly.
// It also protects a central area of the image.
// - lowerThreshold: The brightness value (0-255) at which the whitening effect begins.
// - upperThreshold: The brightness value (0-255) at which pixels become pure white.
// - centralProtectionRatio: The central area (0.0-1.0) to protect from any changes.
func WhitenBackgroundFeathered(img image.Image, lowerThreshold, upperThreshold uint8, centralProtectionRatio float64) (*image.NRGBA, error) {
	if lowerThreshold >= upperThreshold {
		return nil, fmt.Errorf("lowerThreshold must be less than upperThreshold")
	}
	if centralProtectionRatio < 0.0 || centralProtectionRatio > 1.0 {
		return nil, fmt.Errorf("centralProtectionRatio must be between 0.0 and 1.0")
	}
	if !validImage(img) {
		return nil, ErrInvalidImageDimensions
	}

	out := imaging.Clone(img)
	width, height := out.Rect.Dx(), out.Rect.Dy()

	protectedWidth := int(float64(width) * centralProtectionRatio)
	protectedHeight := int(float64(height) * centralProtectionRatio)
	x0 := (width - protectedWidth) / 2
	y0 := (height - protectedHeight) / 2
	x1 := x0 + protectedWidth
	y1 := y0 + protectedHeight

	transitionRange := float64(upperThreshold - lowerThreshold)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x >= x0 && x < x1 && y >= y0 && y < y1 {
				continue
			}
			i := out.PixOffset(x, y)
			px := out.Pix[i : i+3 : i+3]
			luminance := 0.299*float64(px[0]) + 0.587*float64(px[1]) + 0.114*float64(px[2])

			switch {
			case luminance <= float64(lowerThreshold):
				// dark enough, keep
			case luminance >= float64(upperThreshold):
				px[0], px[1], px[2] = 255, 255, 255
			default:
				// new = original*(1-f) + white*f
				f := (luminance - float64(lowerThreshold)) / transitionRange
				for c := range px {
					px[c] = uint8(math.Round(float64(px[c])*(1.0-f) + 255.0*f))
				}
			}
		}
	}
	return out, nil
}

// WhitenBackgroundSmooth composites the garment over white using a blurred luminance
// mask, so the background fades out without hard edges.
// - threshold: pixels at or above this luminance are background in the initial mask.
// - blurSigma: softness of the transition, 3.0 to 5.0 works for product photos.
func WhitenBackgroundSmooth(img image.Image, threshold uint8, blurSigma float64) (*image.NRGBA, error) {
	if !validImage(img) {
		return nil, ErrInvalidImageDimensions
	}
	if blurSigma <= 0 {
		return nil, fmt.Errorf("blurSigma must be positive")
	}

	out := imaging.Clone(img)
	width, height := out.Rect.Dx(), out.Rect.Dy()

	// White = background to replace, black = foreground to keep.
	mask := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := out.PixOffset(x, y)
			luminance := 0.299*float64(out.Pix[i]) + 0.587*float64(out.Pix[i+1]) + 0.114*float64(out.Pix[i+2])
			if luminance >= float64(threshold) {
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
	}
	blurred := imaging.Blur(mask, blurSigma)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// blurred is NRGBA with gray in every colour channel
			f := float64(blurred.Pix[blurred.PixOffset(x, y)]) / 255.0
			if f == 0 {
				continue
			}
			i := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				out.Pix[i+c] = uint8(math.Round(float64(out.Pix[i+c])*(1.0-f) + 255.0*f))
			}
		}
	}
	return out, nil
}

// CleanGarmentBackground runs the named cleanup: "feathered" (default) or "smooth".
func CleanGarmentBackground(img image.Image, mode string) (*image.NRGBA, error) {
	switch mode {
	case "", "feathered":
		return WhitenBackgroundFeathered(img, 225, 245, 0.6)
	case "smooth":
		return WhitenBackgroundSmooth(img, 240, 4.0)
	default:
		return nil, fmt.Errorf("unknown garment cleanup mode: %s", mode)
	}
}
