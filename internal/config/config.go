// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Index      IndexConfig      `mapstructure:"index"`
}

// PipelineConfig governs fan-out across places.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// CheckpointConfig controls the append-only checkpoint log.
type CheckpointConfig struct {
	// Suffix replaces ".csv" on the source file name to form the log name.
	// Files ending in Suffix are skipped in directory mode.
	Suffix string `mapstructure:"suffix"`
	// Dir places logs in a dedicated directory instead of next to the source.
	Dir            string `mapstructure:"dir"`
	StaleDays      int    `mapstructure:"stale_days"`
	PersistPartial bool   `mapstructure:"persist_partial"`
	Fsync          bool   `mapstructure:"fsync"`
}

// ResolverConfig configures Places API lookups.
type ResolverConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Fields    []string      `mapstructure:"fields"`
	QPS       float64       `mapstructure:"qps"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// ScraperConfig configures the headless detail scraper.
type ScraperConfig struct {
	DetailBaseURL   string         `mapstructure:"detail_base_url"`
	NavTimeout      time.Duration  `mapstructure:"nav_timeout"`
	SelectorTimeout time.Duration  `mapstructure:"selector_timeout"`
	NavQPS          float64        `mapstructure:"nav_qps"`
	MaxReviews      int            `mapstructure:"max_reviews"`
	LowSignalFilter bool           `mapstructure:"low_signal_filter"`
	Headless        bool           `mapstructure:"headless"`
	ExecPath        string         `mapstructure:"exec_path"`
	UserAgent       string         `mapstructure:"user_agent"`
	Selectors       SelectorConfig `mapstructure:"selectors"`
}

// SelectorConfig names the DOM hooks of the detail page.
type SelectorConfig struct {
	Panel        string        `mapstructure:"panel"`
	Rating       string        `mapstructure:"rating"`
	PriceSpans   string        `mapstructure:"price_spans"`
	PricePattern string        `mapstructure:"price_pattern"`
	Category     string        `mapstructure:"category"`
	Description  string        `mapstructure:"description"`
	SeeMore      string        `mapstructure:"see_more"`
	Review       string        `mapstructure:"review"`
	ReviewText   string        `mapstructure:"review_text"`
	ReviewButton string        `mapstructure:"review_button"`
	AboutTab     string        `mapstructure:"about_tab"`
	AboutLabel   string        `mapstructure:"about_label"`
	AboutText    string        `mapstructure:"about_text"`
	AmenityTag   string        `mapstructure:"amenity_tag"`
	ExpandSettle time.Duration `mapstructure:"expand_settle"`
}

// MetricsConfig toggles the ops listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ArchiveConfig sets where checkpoint logs are archived after a run.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	// LocalDir archives to the filesystem instead; ignored when GCSBucket is set.
	LocalDir string `mapstructure:"local_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PublishConfig holds metadata for run-summary notifications.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// IndexConfig selects the SQL sink for the index command.
type IndexConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SAVEDPLACES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Resolver.APIKey == "" {
		cfg.Resolver.APIKey = os.Getenv("MAPS_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("checkpoint.suffix", "_data_checkpoint.csv")
	v.SetDefault("checkpoint.dir", "")
	v.SetDefault("checkpoint.stale_days", 30)
	v.SetDefault("checkpoint.persist_partial", false)
	v.SetDefault("checkpoint.fsync", false)
	v.SetDefault("resolver.base_url", "https://maps.googleapis.com/maps/api/place")
	v.SetDefault("resolver.api_key", "")
	v.SetDefault("resolver.fields", []string{
		"business_status", "formatted_address", "geometry", "name", "place_id", "type",
	})
	v.SetDefault("resolver.qps", 10.0)
	v.SetDefault("resolver.burst", 1)
	v.SetDefault("resolver.timeout", "15s")
	v.SetDefault("resolver.user_agent", "savedplaces/0.1")
	v.SetDefault("scraper.detail_base_url", "https://www.google.com/maps/place/?q=place_id:")
	v.SetDefault("scraper.nav_timeout", "30s")
	v.SetDefault("scraper.selector_timeout", "5s")
	v.SetDefault("scraper.nav_qps", 2.0)
	v.SetDefault("scraper.max_reviews", 0)
	v.SetDefault("scraper.low_signal_filter", true)
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.exec_path", "")
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.selectors.panel", "div.w6VYqd")
	v.SetDefault("scraper.selectors.rating", "div.w6VYqd div.skqShb div.F7nice span span")
	v.SetDefault("scraper.selectors.price_spans", "div.w6VYqd div.skqShb span.mgr77e span")
	v.SetDefault("scraper.selectors.price_pattern", `^(\$+|€+|£+|¥+|[$€£¥]\s?\d+(\s?[-–]\s?[$€£¥]?\d+)?\+?)$`)
	v.SetDefault("scraper.selectors.category", `div.w6VYqd div.skqShb button[jsaction*="category"]`)
	v.SetDefault("scraper.selectors.description", "div.w6VYqd div.PYvSYb")
	v.SetDefault("scraper.selectors.see_more", `button.w8nwRe.kyuRq[aria-label="See more"]`)
	v.SetDefault("scraper.selectors.review", "div.jftiEf.fontBodyMedium")
	v.SetDefault("scraper.selectors.review_text", ".MyEned")
	v.SetDefault("scraper.selectors.review_button", "button.w8nwRe.kyuRq")
	v.SetDefault("scraper.selectors.about_tab", "div.w6VYqd button.hh2c6")
	v.SetDefault("scraper.selectors.about_label", "div.Gpq6kf")
	v.SetDefault("scraper.selectors.about_text", "About")
	v.SetDefault("scraper.selectors.amenity_tag", "li.hpLkke span:nth-of-type(2)")
	v.SetDefault("scraper.selectors.expand_settle", "500ms")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.prefix", "checkpoints")
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic_name", "")
	v.SetDefault("index.driver", "sqlite")
	v.SetDefault("index.dsn", "places.db")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Checkpoint.Suffix == "" || !strings.HasSuffix(strings.ToLower(c.Checkpoint.Suffix), ".csv") {
		return fmt.Errorf("checkpoint.suffix must end in .csv")
	}
	if c.Checkpoint.StaleDays < 0 {
		return fmt.Errorf("checkpoint.stale_days must be >= 0")
	}
	if c.Resolver.BaseURL == "" {
		return fmt.Errorf("resolver.base_url must be set")
	}
	if c.Resolver.QPS <= 0 {
		return fmt.Errorf("resolver.qps must be > 0")
	}
	if c.Resolver.Burst <= 0 {
		return fmt.Errorf("resolver.burst must be > 0")
	}
	if c.Resolver.Timeout <= 0 {
		return fmt.Errorf("resolver.timeout must be > 0")
	}
	if c.Scraper.DetailBaseURL == "" {
		return fmt.Errorf("scraper.detail_base_url must be set")
	}
	if c.Scraper.NavTimeout <= 0 {
		return fmt.Errorf("scraper.nav_timeout must be > 0")
	}
	if c.Scraper.SelectorTimeout <= 0 {
		return fmt.Errorf("scraper.selector_timeout must be > 0")
	}
	if c.Scraper.NavQPS <= 0 {
		return fmt.Errorf("scraper.nav_qps must be > 0")
	}
	if c.Scraper.MaxReviews < 0 {
		return fmt.Errorf("scraper.max_reviews must be >= 0")
	}
	if _, err := regexp.Compile(c.Scraper.Selectors.PricePattern); err != nil {
		return fmt.Errorf("scraper.selectors.price_pattern: %w", err)
	}
	if c.Publish.TopicName != "" && c.Publish.ProjectID == "" {
		return fmt.Errorf("publish.project_id must be set when publish.topic_name is set")
	}
	switch c.Index.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("index.driver must be sqlite or postgres, got %q", c.Index.Driver)
	}
	return nil
}

// RequireAPIKey reports a missing Places API key. Only ingestion needs it.
func (c Config) RequireAPIKey() error {
	if c.Resolver.APIKey == "" {
		return fmt.Errorf("resolver.api_key must be set (or MAPS_API_KEY)")
	}
	return nil
}
