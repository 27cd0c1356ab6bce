// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName names the XDG directories and the env prefix.
const AppName = "rentalcrawler"

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Listing  ListingConfig  `mapstructure:"listing"`
	Detail   DetailConfig   `mapstructure:"detail"`
	Store    StoreConfig    `mapstructure:"store"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig selects and tunes the page driver.
type BrowserConfig struct {
	// Driver is "chromedp" or "static".
	Driver            string        `mapstructure:"driver"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// RequestsPerSecond caps detail navigations; zero disables the limit.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RespectRobots     bool    `mapstructure:"respect_robots"`
}

// ListingConfig drives the pagination expander and listing extractor.
type ListingConfig struct {
	MoreSelector   string        `mapstructure:"more_selector"`
	ButtonSelector string        `mapstructure:"button_selector"`
	ItemSelector   string        `mapstructure:"item_selector"`
	LinkSelector   string        `mapstructure:"link_selector"`
	Settle         time.Duration `mapstructure:"settle"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxClicks      int           `mapstructure:"max_clicks"`
}

// DetailConfig drives the detail fetcher and per-item retries.
type DetailConfig struct {
	IdentityPattern      string        `mapstructure:"identity_pattern"`
	MapSelector          string        `mapstructure:"map_selector"`
	OptionSelector       string        `mapstructure:"option_selector"`
	MoreCommentsSelector string        `mapstructure:"more_comments_selector"`
	ReviewSelector       string        `mapstructure:"review_selector"`
	ReadySelector        string        `mapstructure:"ready_selector"`
	CommentSettle        time.Duration `mapstructure:"comment_settle"`
	MaxCommentClicks     int           `mapstructure:"max_comment_clicks"`
	FetchAttempts        int           `mapstructure:"fetch_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
}

// StoreConfig selects the archive backend and the optional snapshot mirror.
type StoreConfig struct {
	// ArchiveBackend is one of json, jsonl, sqlite, postgres or memory.
	ArchiveBackend string `mapstructure:"archive_backend"`
	ArchivePath    string `mapstructure:"archive_path"`
	PostgresDSN    string `mapstructure:"postgres_dsn"`
	PostgresTable  string `mapstructure:"postgres_table"`
	// Mirror is empty, "gcs" or "local".
	Mirror       string `mapstructure:"mirror"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	MirrorDir    string `mapstructure:"mirror_dir"`
	MirrorPrefix string `mapstructure:"mirror_prefix"`
}

// PubSubConfig holds metadata for record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether notifications should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from .env files, the config file and the environment.
// An empty path searches the XDG config directories for rentalcrawler/config.yaml.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = searchConfigFile()
	}
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func searchConfigFile() string {
	path, err := xdg.SearchConfigFile(filepath.Join(AppName, "config.yaml"))
	if err != nil {
		return ""
	}
	return path
}

// DefaultArchivePath is the archive location used when none is configured.
func DefaultArchivePath() string {
	return filepath.Join(xdg.DataHome, AppName, "all_cars.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)

	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.requests_per_second", 0)
	v.SetDefault("browser.respect_robots", false)

	v.SetDefault("listing.more_selector", ".more-cars")
	v.SetDefault("listing.button_selector", ".more-cars .loadmorecars")
	v.SetDefault("listing.item_selector", ".result_car")
	v.SetDefault("listing.link_selector", ".car-picture")
	v.SetDefault("listing.settle", "2s")
	v.SetDefault("listing.retry_attempts", 3)
	v.SetDefault("listing.retry_backoff", "30s")
	v.SetDefault("listing.max_clicks", 500)

	v.SetDefault("detail.identity_pattern", `<!--<div class="slText">(.*?)<br>(.*?)</div>-->`)
	v.SetDefault("detail.map_selector", "#map")
	v.SetDefault("detail.option_selector", "ul.rubrique_option")
	v.SetDefault("detail.more_comments_selector", ".more_comment span")
	v.SetDefault("detail.review_selector", "ul.rubrique_coment .rub_coment_date")
	v.SetDefault("detail.ready_selector", "body")
	v.SetDefault("detail.comment_settle", "1s")
	v.SetDefault("detail.max_comment_clicks", 200)
	v.SetDefault("detail.fetch_attempts", 1)
	v.SetDefault("detail.retry_delay", "2s")

	v.SetDefault("store.archive_backend", "json")
	v.SetDefault("store.archive_path", DefaultArchivePath())
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.postgres_table", "rental_records")
	v.SetDefault("store.mirror", "")
	v.SetDefault("store.gcs_bucket", "")
	v.SetDefault("store.mirror_dir", "")
	v.SetDefault("store.mirror_prefix", "rentalcrawler")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 64)
	v.SetDefault("progress.flush_interval", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Browser.Driver {
	case "chromedp", "static":
	default:
		return fmt.Errorf("browser.driver must be chromedp or static, got %q", c.Browser.Driver)
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be > 0")
	}
	if c.Browser.RequestsPerSecond < 0 {
		return fmt.Errorf("browser.requests_per_second must be >= 0")
	}
	if c.Listing.RetryAttempts <= 0 {
		return fmt.Errorf("listing.retry_attempts must be > 0")
	}
	if c.Listing.MaxClicks <= 0 {
		return fmt.Errorf("listing.max_clicks must be > 0")
	}
	if c.Listing.ItemSelector == "" || c.Listing.LinkSelector == "" {
		return fmt.Errorf("listing.item_selector and listing.link_selector must be set")
	}
	if _, err := regexp.Compile(c.Detail.IdentityPattern); err != nil {
		return fmt.Errorf("detail.identity_pattern must be a valid regexp: %w", err)
	}
	if c.Detail.FetchAttempts <= 0 {
		return fmt.Errorf("detail.fetch_attempts must be > 0")
	}
	if c.Detail.MaxCommentClicks <= 0 {
		return fmt.Errorf("detail.max_comment_clicks must be > 0")
	}
	if c.Detail.RetryDelay < 0 {
		return fmt.Errorf("detail.retry_delay must be >= 0")
	}
	switch c.Store.ArchiveBackend {
	case "json", "jsonl", "sqlite", "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn must be set when store.archive_backend is postgres")
		}
	default:
		return fmt.Errorf("store.archive_backend must be json, jsonl, sqlite, postgres or memory, got %q", c.Store.ArchiveBackend)
	}
	switch c.Store.Mirror {
	case "":
	case "gcs":
		if c.Store.GCSBucket == "" {
			return fmt.Errorf("store.gcs_bucket must be set when store.mirror is gcs")
		}
	case "local":
		if c.Store.MirrorDir == "" {
			return fmt.Errorf("store.mirror_dir must be set when store.mirror is local")
		}
	default:
		return fmt.Errorf("store.mirror must be empty, gcs or local, got %q", c.Store.Mirror)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	return nil
}
