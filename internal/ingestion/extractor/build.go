package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/gcp"
	"github.com/yungbote/gazette-ingest/internal/platform/inflight"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

var DefaultTierOrder = []string{TierClaude, TierMistral, gcp.ProviderVision, gcp.ProviderDocumentAI}

type TierSettings struct {
	Order         []string
	Claude        ClaudeConfig
	Mistral       MistralConfig
	VisionEnabled bool
	Document      gcp.DocumentConfig
}

func TierSettingsFromEnv() TierSettings {
	return TierSettings{
		Order:         envutil.List("EXTRACT_TIER_ORDER", DefaultTierOrder),
		Claude:        ClaudeConfigFromEnv(),
		Mistral:       MistralConfigFromEnv(),
		VisionEnabled: envutil.Bool("GCP_VISION_ENABLED", gcp.HasCredentials()),
		Document:      gcp.DocumentConfigFromEnv(),
	}
}

// BuildTiers constructs the configured tiers in order, skipping those without
// credentials, and wraps each in the backend gate. The returned func closes
// the GCP clients.
func BuildTiers(ctx context.Context, log *logger.Logger, s TierSettings, gate *inflight.Gate) ([]Tier, func(), error) {
	var (
		tiers   []Tier
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	order := s.Order
	if len(order) == 0 {
		order = DefaultTierOrder
	}

	for _, name := range order {
		var (
			t   Tier
			err error
		)
		switch strings.TrimSpace(name) {
		case TierClaude:
			if !s.Claude.Enabled() {
				log.Info("extraction tier skipped: not configured", "tier", name)
				continue
			}
			t, err = NewClaudeTier(log, s.Claude)
		case TierMistral:
			if !s.Mistral.Enabled() {
				log.Info("extraction tier skipped: not configured", "tier", name)
				continue
			}
			t, err = NewMistralTier(log, s.Mistral)
		case gcp.ProviderVision:
			if !s.VisionEnabled {
				log.Info("extraction tier skipped: not configured", "tier", name)
				continue
			}
			var v gcp.Vision
			if v, err = gcp.NewVision(ctx, log); err == nil {
				closers = append(closers, v.Close)
				t = NewVisionTier(v)
			}
		case gcp.ProviderDocumentAI:
			if !s.Document.Enabled() {
				log.Info("extraction tier skipped: not configured", "tier", name)
				continue
			}
			var d gcp.Document
			if d, err = gcp.NewDocument(ctx, log, s.Document); err == nil {
				closers = append(closers, d.Close)
				t = NewDocumentAITier(d)
			}
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown extraction tier %q", name)
		}
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("tier %s: %w", name, err)
		}
		tiers = append(tiers, Limit(t, gate))
	}
	return tiers, closeAll, nil
}
