package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	redisclient "github.com/yungbote/gazette-ingest/internal/clients/redis"
	"github.com/yungbote/gazette-ingest/internal/data/db"
	"github.com/yungbote/gazette-ingest/internal/ingestion/analyzer"
	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	"github.com/yungbote/gazette-ingest/internal/ingestion/fetcher"
	"github.com/yungbote/gazette-ingest/internal/ingestion/validate"
	"github.com/yungbote/gazette-ingest/internal/jobs/worker"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/gcp"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/openai"
	"github.com/yungbote/gazette-ingest/internal/scheduler"
	"github.com/yungbote/gazette-ingest/internal/services"
)

type Config struct {
	Env             string
	HTTPAddr        string
	ShutdownTimeout time.Duration

	DB        db.Config
	Redis     redisclient.Config
	Catalog   catalog.Config
	Fetch     fetcher.Config
	Tiers     extractor.TierSettings
	Engine    extractor.Config
	Validate  validate.Config
	Archive   gcp.ArchiveConfig
	OpenAI    openai.Config
	Worker    worker.Config
	Ingestion services.IngestionConfig
	Scheduler scheduler.Config

	// MonthStarts are the Umm al-Qura overrides layered on dates.DefaultMonthStarts.
	MonthStarts      []dates.MonthStart
	RunLockTTL       time.Duration
	AnalysisCacheTTL time.Duration
	SchedulerEnabled bool
}

// fileConfig is the optional CONFIG_FILE document. Environment variables
// win over anything set here.
type fileConfig struct {
	Categories       []string           `yaml:"categories"`
	TierOrder        []string           `yaml:"tier_order"`
	Validate         validate.Config    `yaml:"validate"`
	HijriMonthStarts []dates.MonthStart `yaml:"hijri_month_starts"`
}

func readConfigFile(path string) (fileConfig, error) {
	fc := fileConfig{Validate: validate.DefaultConfig()}
	if strings.TrimSpace(path) == "" {
		return fc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// LoadConfig reads CONFIG_FILE (when set) and then the environment.
func LoadConfig(log *logger.Logger) (Config, error) {
	path := envutil.String("CONFIG_FILE", "")
	fc, err := readConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	if path != "" && log != nil {
		log.Info("Loaded config file", "path", path)
	}

	cfg := Config{
		Env:              envutil.String("APP_ENV", "development"),
		HTTPAddr:         ":" + envutil.String("PORT", "8080"),
		ShutdownTimeout:  envutil.Duration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		DB:               db.ConfigFromEnv(),
		Redis:            redisclient.ConfigFromEnv(),
		Catalog:          catalog.ConfigFromEnv(),
		Fetch:            fetcher.ConfigFromEnv(),
		Tiers:            extractor.TierSettingsFromEnv(),
		Engine:           extractor.ConfigFromEnv(),
		Validate:         validate.ConfigFromEnv(fc.Validate),
		Archive:          gcp.ArchiveConfigFromEnv(),
		OpenAI:           openai.ConfigFromEnv(),
		Worker:           worker.ConfigFromEnv(),
		Ingestion:        services.IngestionConfigFromEnv(),
		Scheduler:        scheduler.ConfigFromEnv(),
		MonthStarts:      fc.HijriMonthStarts,
		RunLockTTL:       envutil.Duration("RUN_LOCK_TTL", 30*time.Minute),
		AnalysisCacheTTL: envutil.Duration("ANALYSIS_CACHE_TTL", analyzer.DefaultCacheTTL),
		SchedulerEnabled: envutil.Bool("SCHEDULER_ENABLED", true),
	}
	if len(fc.Categories) > 0 {
		cfg.Scheduler.Categories = envutil.List("INGEST_CATEGORIES", fc.Categories)
	}
	if len(fc.TierOrder) > 0 {
		cfg.Tiers.Order = envutil.List("EXTRACT_TIER_ORDER", fc.TierOrder)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	for _, category := range c.Scheduler.Categories {
		if _, err := catalog.CategoryID(category); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Engine.TierTimeout > 0 && c.Worker.StaleRunning > 0 && c.Engine.TierTimeout >= c.Worker.StaleRunning {
		errs = append(errs, fmt.Errorf("EXTRACT_TIER_TIMEOUT (%s) must be below JOB_STALE_RUNNING (%s)", c.Engine.TierTimeout, c.Worker.StaleRunning))
	}
	return errors.Join(errs...)
}
