package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const ProviderVision = "gcp_vision"

type Vision interface {
	OCRImageBytes(ctx context.Context, img []byte, mimeType string) (*OCRResult, error)
	Close() error
}

type visionService struct {
	log     *logger.Logger
	client  *vision.ImageAnnotatorClient
	timeout time.Duration
}

func NewVision(ctx context.Context, log *logger.Logger) (Vision, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Vision")

	c, err := vision.NewImageAnnotatorClient(ctxutil.Default(ctx), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	slog.Info("Vision initialized")
	return &visionService{log: slog, client: c, timeout: 60 * time.Second}, nil
}

func (s *visionService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *visionService) OCRImageBytes(ctx context.Context, img []byte, mimeType string) (*OCRResult, error) {
	if len(img) == 0 {
		return &OCRResult{Provider: ProviderVision, MimeType: mimeType}, nil
	}

	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
			},
			ImageContext: &visionpb.ImageContext{LanguageHints: []string{"ar", "en"}},
		}},
	}
	resp, err := s.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &OCRResult{Provider: ProviderVision, MimeType: mimeType}, nil
	}
	return buildVisionResult(resp.Responses[0], mimeType)
}

func buildVisionResult(r *visionpb.AnnotateImageResponse, mimeType string) (*OCRResult, error) {
	if r.Error != nil && r.Error.Message != "" {
		return nil, fmt.Errorf("vision annotate error: %s", r.Error.Message)
	}
	out := &OCRResult{Provider: ProviderVision, MimeType: mimeType}
	fta := r.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		return out, nil
	}
	// Keep line breaks; the validator and field guessing read the first line.
	lines := strings.Split(fta.Text, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if ln = collapseWhitespace(ln); ln != "" {
			kept = append(kept, ln)
		}
	}
	out.Text = strings.Join(kept, "\n")
	out.Pages = len(fta.Pages)

	var blocks []*visionpb.Block
	for _, pg := range fta.Pages {
		if pg != nil {
			blocks = append(blocks, pg.Blocks...)
		}
	}
	out.Confidence = avgBlockConfidence(blocks)
	return out, nil
}

func avgBlockConfidence(blocks []*visionpb.Block) float64 {
	var sum float64
	n := 0
	for _, b := range blocks {
		if b == nil || b.Confidence <= 0 {
			continue
		}
		sum += float64(b.Confidence)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
