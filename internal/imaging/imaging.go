// Package imaging normalizes item photos. Uploaded photos arrive as data URLs;
// they are sniffed, downscaled and re-encoded as JPEG so that the stored
// reference stays small. External http(s) references are kept as they are.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/image/draw"
)

// Default limits.
const (
	DefaultMaxDimension = 1024
	DefaultJPEGQuality  = 85
)

// MaxInputBytes bounds the decoded size of an uploaded photo.
const MaxInputBytes = 5 << 20

// AllowedMIME lists the accepted input MIME types.
var AllowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ProcessResult contains the processed image data.
type ProcessResult struct {
	Data []byte
	MIME string
}

// Processor downscales and re-encodes images.
type Processor struct {
	MaxDimension int
	JPEGQuality  int
}

// NewProcessor returns a processor, falling back to defaults for zero values.
func NewProcessor(maxDimension, quality int) *Processor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Processor{MaxDimension: maxDimension, JPEGQuality: quality}
}

// Process reads image data, validates the format by sniffing bytes,
// downscales if larger than MaxDimension, and re-encodes with compression.
// Always outputs JPEG for consistency and smaller file sizes.
func (p *Processor) Process(r io.Reader) (*ProcessResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image data: %w", err)
	}
	if len(data) > MaxInputBytes {
		return nil, fmt.Errorf("image larger than %d bytes", MaxInputBytes)
	}

	// Sniff actual MIME type from bytes (not trusting client headers).
	detected := http.DetectContentType(data)
	if !AllowedMIME[detected] {
		return nil, fmt.Errorf("unsupported image format: %s (only JPEG and PNG accepted)", detected)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	img = downscale(img, p.MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}

	return &ProcessResult{
		Data: buf.Bytes(),
		MIME: "image/jpeg",
	}, nil
}

// NormalizeRef validates an image reference. Data URLs are processed and
// re-encoded; http(s) URLs are returned unchanged; an empty reference stays
// empty.
func (p *Processor) NormalizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}

	if IsDataURL(ref) {
		data, _, err := DecodeDataURL(ref)
		if err != nil {
			return "", err
		}
		res, err := p.Process(bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		return EncodeDataURL(res.Data, res.MIME), nil
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("image reference must be a data URL or an http(s) URL")
	}
	return ref, nil
}

// IsDataURL reports whether ref is an inline data URL.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// DecodeDataURL returns the payload and MIME type of a base64 data URL.
func DecodeDataURL(ref string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !IsDataURL(ref) {
		return nil, "", fmt.Errorf("malformed data URL")
	}

	mime, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return nil, "", fmt.Errorf("data URL must be base64 encoded")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decoding data URL: %w", err)
	}
	return data, mime, nil
}

// EncodeDataURL builds a base64 data URL.
func EncodeDataURL(data []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// downscale shrinks img with Catmull-Rom so its longest side is maxDim.
func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if longest <= maxDim {
		return img
	}

	scale := float64(maxDim) / float64(longest)
	w := max(int(float64(b.Dx())*scale), 1)
	h := max(int(float64(b.Dy())*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
