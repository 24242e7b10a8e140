package services

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gray = color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	red  = color.NRGBA{R: 255, A: 255}
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestCompositeEndToEnd(t *testing.T) {
	person := solid(1000, 1000, gray)
	garment := solid(500, 300, red)

	out, err := Composite(person, garment)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 1000, 1000), out.Bounds())

	region := image.Rect(150, 250, 850, 670)
	assert.Equal(t, region, DefaultCompositeConfig().GarmentPlacement(person.Bounds(), garment.Bounds()))

	mismatches := 0
	for y := 0; y < 1000; y++ {
		for x := 0; x < 1000; x++ {
			want := gray
			if image.Pt(x, y).In(region) {
				want = red
			}
			if out.NRGBAAt(x, y) != want {
				mismatches++
			}
		}
	}
	assert.Zero(t, mismatches)
}

func TestCompositePreservesPersonDimensions(t *testing.T) {
	sizes := []struct{ pw, ph, gw, gh int }{
		{1, 1, 1, 1},
		{640, 480, 300, 600},
		{300, 900, 1200, 400},
		{10, 10, 10, 200},
	}
	for _, size := range sizes {
		out, err := Composite(solid(size.pw, size.ph, gray), solid(size.gw, size.gh, red))
		require.NoError(t, err)
		assert.Equal(t, size.pw, out.Bounds().Dx())
		assert.Equal(t, size.ph, out.Bounds().Dy())
	}
}

func TestCompositeIsDeterministicAndDoesNotMutateInputs(t *testing.T) {
	person := solid(120, 160, gray)
	garment := solid(37, 53, red)
	for i := range garment.Pix {
		if i%4 == 3 {
			garment.Pix[i] = uint8(i % 251)
		}
	}
	personBefore := append([]byte(nil), person.Pix...)
	garmentBefore := append([]byte(nil), garment.Pix...)

	first, err := Composite(person, garment)
	require.NoError(t, err)
	second, err := Composite(person, garment)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.Pix, second.Pix))
	assert.Equal(t, personBefore, person.Pix)
	assert.Equal(t, garmentBefore, garment.Pix)
}

func TestCompositeUsesAlphaChannelAsMask(t *testing.T) {
	person := solid(100, 100, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	// 50 wide at ratio 0.5, so the garment is not resampled
	garment := image.NewNRGBA(image.Rect(0, 0, 50, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 50; x++ {
			garment.SetNRGBA(x, y, color.NRGBA{R: 200, G: 0, B: 50, A: uint8(x * 5)})
		}
	}
	cfg := CompositeConfig{WidthRatio: 0.5, TopRatio: 0.25}

	out, err := cfg.Composite(person, garment)
	require.NoError(t, err)

	blend := func(g, p, m uint8) uint8 {
		return uint8(math.Round((float64(g)*float64(m) + float64(p)*float64(255-m)) / 255))
	}
	for _, x := range []int{0, 1, 10, 25, 49} {
		m := uint8(x * 5)
		want := color.NRGBA{
			R: blend(200, 100, m),
			G: blend(0, 100, m),
			B: blend(50, 100, m),
			A: blend(m, 255, m),
		}
		assert.Equal(t, want, out.NRGBAAt(25+x, 25+3), "x=%d", x)
	}
	assert.Equal(t, color.NRGBA{R: 100, G: 100, B: 100, A: 255}, out.NRGBAAt(25, 24))
}

func TestCompositeLuminanceMaskAllWhiteGarmentKeepsPerson(t *testing.T) {
	person := solid(200, 200, gray)
	// fully transparent: no usable alpha
	garment := solid(80, 40, color.NRGBA{R: 255, G: 255, B: 255, A: 0})

	out, err := Composite(person, garment)
	require.NoError(t, err)
	assert.Equal(t, person.Pix, out.Pix)
}

func TestCompositeLuminanceMaskAllBlackGarmentReplacesRegion(t *testing.T) {
	person := solid(200, 200, gray)
	garment := solid(80, 40, color.NRGBA{})

	out, err := Composite(person, garment)
	require.NoError(t, err)

	region := DefaultCompositeConfig().GarmentPlacement(person.Bounds(), garment.Bounds())
	require.Equal(t, image.Rect(30, 50, 170, 120), region)
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			want := gray
			if image.Pt(x, y).In(region) {
				want = color.NRGBA{A: 255}
			}
			if !assert.Equal(t, want, out.NRGBAAt(x, y), "pixel %d,%d", x, y) {
				return
			}
		}
	}
}

func TestGarmentMask(t *testing.T) {
	withAlpha := solid(4, 1, red)
	withAlpha.Pix[3] = 0
	withAlpha.Pix[7] = 128
	mask := GarmentMask(withAlpha)
	assert.Equal(t, []uint8{0, 128, 255, 255}, mask.Pix)

	noAlpha := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	noAlpha.Pix = []uint8{255, 255, 255, 0, 249, 249, 249, 0, 0, 0, 0, 0}
	mask = GarmentMask(noAlpha)
	assert.Equal(t, image.Rect(0, 0, 3, 1), mask.Bounds())
	assert.Equal(t, []uint8{0, 255, 255}, mask.Pix)
}

func TestGarmentPlacementKeepsAspectRatio(t *testing.T) {
	person := image.Rect(0, 0, 1000, 1000)
	for _, garment := range []image.Rectangle{
		image.Rect(0, 0, 200, 100),
		image.Rect(0, 0, 100, 100),
		image.Rect(0, 0, 100, 300),
		image.Rect(0, 0, 333, 71),
	} {
		placement := DefaultCompositeConfig().GarmentPlacement(person, garment)
		assert.Equal(t, 700, placement.Dx())
		want := float64(garment.Dy()) * float64(placement.Dx()) / float64(garment.Dx())
		assert.InDelta(t, want, float64(placement.Dy()), 1.0, "garment %v", garment)
	}
}

func TestGarmentPlacementCentersHorizontally(t *testing.T) {
	placement := DefaultCompositeConfig().GarmentPlacement(image.Rect(0, 0, 1000, 800), image.Rect(0, 0, 10, 10))
	assert.Equal(t, 150, placement.Min.X)
	assert.Equal(t, 200, placement.Min.Y)

	shoulder, err := GeometryPreset("shoulder")
	require.NoError(t, err)
	placement = shoulder.GarmentPlacement(image.Rect(0, 0, 1000, 1000), image.Rect(0, 0, 10, 10))
	assert.Equal(t, 350, placement.Min.X)
	assert.Equal(t, 150, placement.Min.Y)
}

func TestCompositeRejectsEmptyImages(t *testing.T) {
	person := solid(10, 10, gray)
	_, err := Composite(person, image.NewNRGBA(image.Rect(0, 0, 0, 10)))
	assert.ErrorIs(t, err, ErrInvalidImageDimensions)

	_, err = Composite(image.NewNRGBA(image.Rect(0, 0, 10, 0)), solid(4, 4, red))
	assert.ErrorIs(t, err, ErrInvalidImageDimensions)

	_, err = Composite(nil, person)
	assert.ErrorIs(t, err, ErrInvalidImageDimensions)
}

func TestCompositeClipsGarmentOutsideCanvas(t *testing.T) {
	person := solid(10, 10, gray)
	garment := solid(10, 40, red)
	cfg := CompositeConfig{WidthRatio: 1.0, TopRatio: 0.5}

	out, err := cfg.Composite(person, garment)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 10, 10), out.Bounds())
	for y := 0; y < 10; y++ {
		want := gray
		if y >= 5 {
			want = red
		}
		assert.Equal(t, want, out.NRGBAAt(4, y), "row %d", y)
	}
}

func TestCompositeAcceptsOffsetAndNonNRGBAImages(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for i := range base.Pix {
		base.Pix[i] = 128
		if i%4 == 3 {
			base.Pix[i] = 255
		}
	}
	person := base.SubImage(image.Rect(10, 10, 30, 30))
	garment := image.NewGray(image.Rect(0, 0, 10, 10))

	out, err := Composite(person, garment)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 20), out.Bounds())
	// gray images have no alpha, so the garment is opaque black
	assert.Equal(t, color.NRGBA{A: 255}, out.NRGBAAt(10, 6))
	assert.Equal(t, gray, out.NRGBAAt(0, 0))
}

func TestGeometryPresets(t *testing.T) {
	full, err := GeometryPreset("full")
	require.NoError(t, err)
	assert.Equal(t, DefaultCompositeConfig(), full)

	fallback, err := GeometryPreset("fallback")
	require.NoError(t, err)
	assert.Equal(t, DefaultGarmentWidthRatio, fallback.WidthRatio)
	assert.Equal(t, FallbackGarmentTopRatio, fallback.TopRatio)

	_, err = GeometryPreset("sleeves")
	assert.Error(t, err)
}

func TestDiv255Rounds(t *testing.T) {
	for v := uint32(0); v <= 255*255; v += 7 {
		assert.Equal(t, uint8(math.Round(float64(v)/255)), div255(v))
	}
	assert.Equal(t, uint8(255), div255(255*255))
}

func TestValidateGeometryRatios(t *testing.T) {
	assert.NoError(t, ValidateGeometryRatios(0, 0))
	assert.NoError(t, ValidateGeometryRatios(MaxGeometryRatio, 0.25))
	assert.Error(t, ValidateGeometryRatios(-0.1, 0))
	assert.Error(t, ValidateGeometryRatios(0.7, 2.01))
	assert.Error(t, ValidateGeometryRatios(1e9, 0))
}
