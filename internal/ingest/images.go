package ingest

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/pkg/models"
)

// jpegQuality is used when the inference tier has to be re-encoded.
const jpegQuality = 85

// ErrNotAnImage is returned when the upload cannot be decoded as an image.
var ErrNotAnImage = errors.New("not a decodable image")

// ImageTier is one rendition of a processed image.
type ImageTier struct {
	Data      []byte
	MediaType string
	Width     int
	Height    int
}

// Block renders the tier as a base64 image content block.
func (t ImageTier) Block() models.ContentBlock {
	return models.ContentBlock{
		Type: models.ContentTypeImage,
		Source: &models.ImageSource{
			Type:      "base64",
			MediaType: t.MediaType,
			Data:      base64.StdEncoding.EncodeToString(t.Data),
		},
	}
}

// ProcessedImage holds both renditions of one source image. The inference
// tier goes to the model; the storage tier is what gets persisted.
type ProcessedImage struct {
	Inference ImageTier
	Storage   ImageTier
}

// ImagePipeline downsizes uploaded images into the two tiers.
type ImagePipeline struct {
	cfg config.IngestConfig
}

// NewImagePipeline builds a pipeline from the ingest configuration.
func NewImagePipeline(cfg config.IngestConfig) *ImagePipeline {
	return &ImagePipeline{cfg: cfg}
}

// Process decodes an uploaded image and produces the inference tier (bounded
// by InferenceMaxPx, JPEG and PNG kept in their source format) and the
// storage tier (bounded by StorageMaxPx, always re-encoded as WebP). Images
// already within a tier's bound are never upscaled.
func (p *ImagePipeline) Process(data []byte) (*ProcessedImage, error) {
	if p.cfg.MaxFileBytes > 0 && int64(len(data)) > p.cfg.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), p.cfg.MaxFileBytes)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	inference, err := p.inferenceTier(src, format, data)
	if err != nil {
		return nil, err
	}
	storage, err := p.storageTier(src)
	if err != nil {
		return nil, err
	}
	return &ProcessedImage{Inference: *inference, Storage: *storage}, nil
}

// inferenceTier keeps the original bytes whenever the image is already a
// JPEG or PNG within bounds; anything else is scaled and re-encoded.
func (p *ImagePipeline) inferenceTier(src image.Image, format string, original []byte) (*ImageTier, error) {
	bounds := src.Bounds()
	within := bounds.Dx() <= p.cfg.InferenceMaxPx && bounds.Dy() <= p.cfg.InferenceMaxPx

	if within && (format == "jpeg" || format == "png") {
		return &ImageTier{
			Data:      original,
			MediaType: "image/" + format,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
		}, nil
	}

	img := scaleToFit(src, p.cfg.InferenceMaxPx)
	var buf bytes.Buffer
	mediaType := "image/png"
	if format == "jpeg" {
		mediaType = "image/jpeg"
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode inference tier: %w", err)
		}
	} else {
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode inference tier: %w", err)
		}
	}

	b := img.Bounds()
	return &ImageTier{Data: buf.Bytes(), MediaType: mediaType, Width: b.Dx(), Height: b.Dy()}, nil
}

func (p *ImagePipeline) storageTier(src image.Image) (*ImageTier, error) {
	img := scaleToFit(src, p.cfg.StorageMaxPx)

	var buf bytes.Buffer
	opts := &webp.Options{Quality: float32(p.cfg.WebPQuality)}
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("encode storage tier: %w", err)
	}

	b := img.Bounds()
	return &ImageTier{Data: buf.Bytes(), MediaType: "image/webp", Width: b.Dx(), Height: b.Dy()}, nil
}

// scaleToFit shrinks an image so its longest side is at most maxPx,
// preserving aspect ratio. Images already within bounds come back unchanged.
func scaleToFit(img image.Image, maxPx int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxPx <= 0 || (w <= maxPx && h <= maxPx) {
		return img
	}

	var nw, nh int
	if w > h {
		nw = maxPx
		nh = h * maxPx / w
	} else {
		nh = maxPx
		nw = w * maxPx / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
