package services

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Geometry constants for placing a garment over a person photo. Values are fractions
// of the person image width (garment width) and height (top offset).
const (
	// DefaultGarmentWidthRatio estimates a full torso width.
	DefaultGarmentWidthRatio = 0.7
	// ShoulderGarmentWidthRatio estimates shoulder width.
	ShoulderGarmentWidthRatio = 0.3

	DefaultGarmentTopRatio  = 0.25
	FallbackGarmentTopRatio = 0.22
	ShoulderGarmentTopRatio = 0.15

	// LuminanceBackgroundThreshold is the grayscale value at and above which garment
	// pixels are treated as background when the garment carries no transparency.
	LuminanceBackgroundThreshold = 250

	// MaxGeometryRatio bounds configured ratios. Anything larger places the garment
	// entirely off a sensible canvas and makes the resize target huge.
	MaxGeometryRatio = 2
)

// ErrInvalidImageDimensions is returned when the person or garment image is empty.
var ErrInvalidImageDimensions = errors.New("invalid image dimensions")

// CompositeConfig holds the tunable geometry of the local compositor.
type CompositeConfig struct {
	WidthRatio float64 `yaml:"width_ratio"`
	TopRatio   float64 `yaml:"top_ratio"`
	// Filter used to resample the garment, Lanczos when zero.
	Filter imaging.ResampleFilter `yaml:"-"`
}

var geometryPresets = map[string]CompositeConfig{
	"full":     {WidthRatio: DefaultGarmentWidthRatio, TopRatio: DefaultGarmentTopRatio},
	"fallback": {WidthRatio: DefaultGarmentWidthRatio, TopRatio: FallbackGarmentTopRatio},
	"shoulder": {WidthRatio: ShoulderGarmentWidthRatio, TopRatio: ShoulderGarmentTopRatio},
}

func DefaultCompositeConfig() CompositeConfig {
	return geometryPresets["full"]
}

// GeometryPreset returns one of the named placements: full, fallback or shoulder.
func GeometryPreset(name string) (CompositeConfig, error) {
	cfg, ok := geometryPresets[name]
	if !ok {
		return CompositeConfig{}, fmt.Errorf("unknown geometry preset: %s", name)
	}
	return cfg, nil
}

// ValidateGeometryRatios checks explicit ratio overrides. Zero means unset.
func ValidateGeometryRatios(width, top float64) error {
	if width < 0 || top < 0 {
		return fmt.Errorf("ratios must be positive, got width %v top %v", width, top)
	}
	if width > MaxGeometryRatio || top > MaxGeometryRatio {
		return fmt.Errorf("ratios must not exceed %d, got width %v top %v", MaxGeometryRatio, width, top)
	}
	return nil
}

func (cfg CompositeConfig) filter() imaging.ResampleFilter {
	if cfg.Filter.Support <= 0 && cfg.Filter.Kernel == nil {
		return imaging.Lanczos
	}
	return cfg.Filter
}

// Composite overlays garment onto person using the default geometry.
func Composite(person, garment image.Image) (*image.NRGBA, error) {
	return DefaultCompositeConfig().Composite(person, garment)
}

// Composite resizes garment to a fraction of the person width, keeps its aspect
// ratio, centers it horizontally at TopRatio of the person height and pastes it
// through a mask derived from its alpha channel (or from luminance when the alpha
// channel is entirely zero). The result has the person's dimensions; garment pixels
// falling outside the canvas are dropped. Inputs are not modified.
func (cfg CompositeConfig) Composite(person, garment image.Image) (*image.NRGBA, error) {
	if !validImage(person) || !validImage(garment) {
		return nil, ErrInvalidImageDimensions
	}

	canvas := imaging.Clone(person)
	src := imaging.Clone(garment)

	dst := cfg.GarmentPlacement(canvas.Bounds(), src.Bounds())
	resized := resizeGarment(src, dst.Dx(), dst.Dy(), cfg.filter())

	mask, ok := alphaMask(resized)
	if !ok {
		// No usable transparency: resample colours from an opaque copy so the
		// luminance test sees the garment and not premultiplied black.
		resized = resizeGarment(opaqueCopy(src), dst.Dx(), dst.Dy(), cfg.filter())
		mask = luminanceMask(resized)
	}

	pasteWithMask(canvas, resized, mask, dst.Min)
	return canvas, nil
}

// GarmentPlacement returns where the resized garment lands on the person canvas.
// The rectangle may extend past the canvas.
func (cfg CompositeConfig) GarmentPlacement(person, garment image.Rectangle) image.Rectangle {
	pw, ph := person.Dx(), person.Dy()
	gw, gh := garment.Dx(), garment.Dy()

	tw := int(float64(pw) * cfg.WidthRatio)
	if tw < 1 {
		tw = 1
	}
	th := 1
	if gw > 0 {
		th = gh * tw / gw
	}
	if th < 1 {
		th = 1
	}

	x := (pw - tw) / 2
	y := int(float64(ph) * cfg.TopRatio)
	return image.Rect(x, y, x+tw, y+th)
}

// GarmentMask returns the paste mask for an already resized garment: its alpha
// channel when that carries any non-zero value, otherwise a luminance threshold mask.
func GarmentMask(resized image.Image) *image.Gray {
	src := imaging.Clone(resized)
	if mask, ok := alphaMask(src); ok {
		return mask
	}
	return luminanceMask(src)
}

func validImage(img image.Image) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return b.Dx() > 0 && b.Dy() > 0
}

func resizeGarment(src *image.NRGBA, w, h int, filter imaging.ResampleFilter) *image.NRGBA {
	if src.Rect.Dx() == w && src.Rect.Dy() == h {
		return imaging.Clone(src)
	}
	return imaging.Resize(src, w, h, filter)
}

func alphaMask(img *image.NRGBA) (*image.Gray, bool) {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	var hi uint8
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		out := mask.Pix[y*mask.Stride : y*mask.Stride+b.Dx()]
		for x := range out {
			a := row[x*4+3]
			out[x] = a
			if a > hi {
				hi = a
			}
		}
	}
	return mask, hi != 0
}

func luminanceMask(img *image.NRGBA) *image.Gray {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()*4]
		out := mask.Pix[y*mask.Stride : y*mask.Stride+b.Dx()]
		for x := range out {
			if row[x*4] < LuminanceBackgroundThreshold {
				out[x] = 255
			}
		}
	}
	return mask
}

func opaqueCopy(img *image.NRGBA) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 255
	}
	return out
}

// pasteWithMask blends src onto dst at pt, channel by channel, weighting src by the
// mask value. Pixels outside dst are skipped.
func pasteWithMask(dst, src *image.NRGBA, mask *image.Gray, pt image.Point) {
	sb := src.Bounds()
	area := image.Rect(pt.X, pt.Y, pt.X+sb.Dx(), pt.Y+sb.Dy()).Intersect(dst.Bounds())
	if area.Empty() {
		return
	}
	for y := area.Min.Y; y < area.Max.Y; y++ {
		sy := y - pt.Y
		for x := area.Min.X; x < area.Max.X; x++ {
			sx := x - pt.X
			m := uint32(mask.Pix[sy*mask.Stride+sx])
			if m == 0 {
				continue
			}
			di := dst.PixOffset(x, y)
			si := sy*src.Stride + sx*4
			if m == 255 {
				copy(dst.Pix[di:di+4], src.Pix[si:si+4])
				continue
			}
			for c := 0; c < 4; c++ {
				dst.Pix[di+c] = div255(uint32(src.Pix[si+c])*m + uint32(dst.Pix[di+c])*(255-m))
			}
		}
	}
}

// div255 divides by 255 with rounding.
func div255(v uint32) uint8 {
	v += 128
	return uint8((v + (v >> 8)) >> 8)
}
