package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/pkg/models"
)

// imageExtensions are the uploads routed through the image pipeline.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Attachment is one processed upload, carried in two renditions. Inference
// is what the model sees for the current turn; Storage is what the continuum
// persists. For documents the two are the same text block; for images the
// storage rendition is the small WebP tier.
type Attachment struct {
	Filename  string
	Inference models.ContentBlock
	Storage   models.ContentBlock

	// Untrusted marks renditions whose text came out of a file rather than
	// the user's own words. Callers screen these before prompt assembly.
	Untrusted bool
}

// Processor routes uploads to the document or image pipeline.
type Processor struct {
	cfg    config.IngestConfig
	images *ImagePipeline
}

// NewProcessor builds a processor from the ingest configuration.
func NewProcessor(cfg config.IngestConfig) *Processor {
	return &Processor{cfg: cfg, images: NewImagePipeline(cfg)}
}

// ProcessAttachment converts one upload into its attachment renditions.
// Images produce both compression tiers; documents produce one text block
// labelled with the filename. Unsupported types are rejected.
func (p *Processor) ProcessAttachment(filename string, data []byte) (*Attachment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("attachment %q: empty payload", filename)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if imageExtensions[ext] {
		img, err := p.images.Process(data)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", filename, err)
		}
		return &Attachment{
			Filename:  filename,
			Inference: img.Inference.Block(),
			Storage:   img.Storage.Block(),
		}, nil
	}

	doc, err := ProcessDocument(filename, data, p.cfg.MaxFileBytes)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", filename, err)
	}
	block := models.TextBlock(documentText(doc))
	return &Attachment{
		Filename:  filename,
		Inference: block,
		Storage:   block,
		Untrusted: doc.Text != "",
	}, nil
}

// documentText renders the extracted document as a labelled text block body.
// PDFs with no extractable text still note the attachment so the transcript
// records that a file arrived.
func documentText(doc *Document) string {
	if doc.Text == "" {
		return fmt.Sprintf("[Attached file: %s (no extractable text)]", doc.Filename)
	}
	return fmt.Sprintf("[Attached file: %s]\n%s", doc.Filename, doc.Text)
}
