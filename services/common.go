package services

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var allowedImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

var dashAlphaRule = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// MaxImagePixels caps width*height of decoded images. A few KB of compressed data
// can declare dimensions that would need gigabytes once decoded.
const MaxImagePixels = 50_000_000

var ErrImageTooLarge = errors.New("image dimensions too large")

// DecodeImage decodes PNG, JPEG, GIF or WEBP bytes, applying EXIF orientation.
// The header is checked against MaxImagePixels before any pixel data is read.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("failed to decode image: empty input")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, fmt.Errorf("failed to decode image: %dx%d: %w", cfg.Width, cfg.Height, ErrImageTooLarge)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image to png: %w", err)
	}
	return buf.Bytes(), nil
}

// DetectImageExtension picks the storage extension for an uploaded file: the file
// name's own extension when it is a known image type, else one sniffed from the
// content, else "jpg".
func DetectImageExtension(fileName string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if slices.Contains(allowedImageExtensions, ext) {
		return strings.TrimPrefix(ext, ".")
	}
	if len(data) > 0 {
		if e, ok := mimeExtensions[http.DetectContentType(data)]; ok {
			return e
		}
	}
	return "jpg"
}

// SanitizeKeyPart keeps object keys flat: anything outside [A-Za-z0-9_-] becomes a dash.
func SanitizeKeyPart(value string) string {
	value = dashAlphaRule.ReplaceAllString(strings.TrimSpace(value), "-")
	if value == "" {
		return "anonymous"
	}
	return value
}

func StrPointer(str string) *string {
	if str == "" {
		return nil
	}
	return &str
}

func Int32Pointer(i int32) *int32 {
	return &i
}

func GetEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}

func GetEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func GetEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
