package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const ProviderDocumentAI = "gcp_documentai"

type Document interface {
	ProcessBytes(ctx context.Context, data []byte, mimeType string) (*OCRResult, error)
	Close() error
}

// DocumentConfig names the OCR processor. ProcessorName, when set, wins over
// the project/location/id triple.
type DocumentConfig struct {
	ProcessorName    string
	ProjectID        string
	Location         string
	ProcessorID      string
	ProcessorVersion string
	FieldMask        []string
	Timeout          time.Duration
}

func DocumentConfigFromEnv() DocumentConfig {
	return DocumentConfig{
		ProcessorName:    envutil.String("DOCUMENTAI_PROCESSOR_NAME", ""),
		ProjectID:        envutil.String("GOOGLE_CLOUD_PROJECT", ""),
		Location:         envutil.String("DOCUMENTAI_LOCATION", "us"),
		ProcessorID:      envutil.String("GOOGLE_DOC_AI_PROCESSOR_ID", ""),
		ProcessorVersion: envutil.String("DOCUMENTAI_PROCESSOR_VERSION", ""),
		FieldMask:        envutil.List("DOCUMENTAI_FIELD_MASK", []string{"text", "pages.layout", "pages.paragraphs"}),
		Timeout:          envutil.Duration("DOCUMENTAI_TIMEOUT", 3*time.Minute),
	}
}

// Name resolves the full processor resource name, or "" when unconfigured.
func (c DocumentConfig) Name() string {
	if n := strings.TrimSpace(c.ProcessorName); n != "" {
		return n
	}
	return processorName(c.ProjectID, c.Location, c.ProcessorID, c.ProcessorVersion)
}

func (c DocumentConfig) Enabled() bool { return c.Name() != "" }

// Region is the processor location; it selects the regional endpoint.
func (c DocumentConfig) Region() string {
	if loc := locationFromName(c.ProcessorName); loc != "" {
		return loc
	}
	if loc := strings.TrimSpace(c.Location); loc != "" {
		return loc
	}
	return "us"
}

type documentService struct {
	log    *logger.Logger
	client *documentai.DocumentProcessorClient
	cfg    DocumentConfig
	name   string
}

func NewDocument(ctx context.Context, log *logger.Logger, cfg DocumentConfig) (Document, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("documentai processor not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	slog := log.With("service", "gcp.Document")

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Region())
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)},
		ClientOptionsFromEnv("GOOGLE_CLOUD_DOCUMENTAI_CREDENTIALS")...)
	c, err := documentai.NewDocumentProcessorClient(ctxutil.Default(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	name := cfg.Name()
	slog.Info("Document AI initialized", "endpoint", endpoint, "processor", name)
	return &documentService{log: slog, client: c, cfg: cfg, name: name}, nil
}

func (s *documentService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *documentService) ProcessBytes(ctx context.Context, data []byte, mimeType string) (*OCRResult, error) {
	if len(data) == 0 {
		return &OCRResult{Provider: ProviderDocumentAI, MimeType: mimeType}, nil
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req := &documentaipb.ProcessRequest{
		Name: s.name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: data, MimeType: mimeType},
		},
	}
	if len(s.cfg.FieldMask) > 0 {
		req.FieldMask = &fieldmaskpb.FieldMask{Paths: s.cfg.FieldMask}
	}

	resp, err := s.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil {
		return &OCRResult{Provider: ProviderDocumentAI, MimeType: mimeType}, nil
	}
	return buildDocAIResult(resp.Document, mimeType), nil
}

func buildDocAIResult(doc *documentaipb.Document, mimeType string) *OCRResult {
	out := &OCRResult{Provider: ProviderDocumentAI, MimeType: mimeType}
	if doc == nil {
		return out
	}
	out.Pages = len(doc.Pages)
	out.Text = strings.TrimSpace(doc.Text)

	var (
		paras strings.Builder
		sum   float64
		n     int
	)
	for _, p := range doc.Pages {
		if p == nil {
			continue
		}
		if p.Layout != nil && p.Layout.Confidence > 0 {
			sum += float64(p.Layout.Confidence)
			n++
		}
		for _, para := range p.Paragraphs {
			if para == nil || para.Layout == nil {
				continue
			}
			if t := strings.TrimSpace(textFromAnchor(doc.Text, para.Layout.TextAnchor)); t != "" {
				paras.WriteString(t)
				paras.WriteString("\n")
			}
		}
	}
	if out.Text == "" {
		out.Text = strings.TrimSpace(paras.String())
	}
	if n > 0 {
		out.Confidence = sum / float64(n)
	}
	return out
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || len(anchor.TextSegments) == 0 || full == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.TextSegments {
		if seg == nil {
			continue
		}
		start := int(seg.StartIndex)
		end := int(seg.EndIndex)
		if start < 0 {
			start = 0
		}
		if end > len(full) {
			end = len(full)
		}
		if start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

func processorName(project, location, processorID, version string) string {
	project = strings.TrimSpace(project)
	location = strings.TrimSpace(location)
	processorID = strings.TrimSpace(processorID)
	version = strings.TrimSpace(version)

	if project == "" || location == "" || processorID == "" {
		return ""
	}
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		return base + "/processorVersions/" + version
	}
	return base
}

func locationFromName(name string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(name), "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "locations" {
			return parts[i+1]
		}
	}
	return ""
}
