package extractor

import (
	"context"
	"strings"

	"github.com/yungbote/gazette-ingest/internal/platform/gcp"
)

type VisionTier struct {
	ocr gcp.Vision
}

func NewVisionTier(v gcp.Vision) *VisionTier { return &VisionTier{ocr: v} }

func (t *VisionTier) Name() string { return gcp.ProviderVision }
func (t *VisionTier) Cost() Cost   { return CostCheap }

func (t *VisionTier) Process(ctx context.Context, doc Document) Outcome {
	if !strings.HasPrefix(doc.MimeType, "image/") && doc.MimeType != "" {
		return Insufficient("", "vision reads images only, got "+doc.MimeType)
	}
	res, err := t.ocr.OCRImageBytes(ctx, doc.Data, doc.MimeType)
	if err != nil {
		return Failed(err)
	}
	return ocrOutcome(res)
}

// DocumentAITier is the last resort: slowest and priced per page.
type DocumentAITier struct {
	proc gcp.Document
}

func NewDocumentAITier(d gcp.Document) *DocumentAITier { return &DocumentAITier{proc: d} }

func (t *DocumentAITier) Name() string { return gcp.ProviderDocumentAI }
func (t *DocumentAITier) Cost() Cost   { return CostLastResort }

func (t *DocumentAITier) Process(ctx context.Context, doc Document) Outcome {
	res, err := t.proc.ProcessBytes(ctx, doc.Data, doc.MimeType)
	if err != nil {
		return Failed(err)
	}
	return ocrOutcome(res)
}

func ocrOutcome(res *gcp.OCRResult) Outcome {
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return Insufficient("", "no text detected")
	}
	text := strings.TrimSpace(res.Text)
	return Ok(text, GuessFields(text), res.Confidence, "")
}
