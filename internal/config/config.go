package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DriverBrowser = "browser"
	DriverStatic  = "static"

	DBMongo    = "mongo"
	DBPostgres = "postgres"
	DBSQLite   = "sqlite"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvDBDriver   = "FEED_SPIDER_DB_DRIVER"
	EnvDBDSN      = "FEED_SPIDER_DB_DSN"
	EnvLogLevel   = "FEED_SPIDER_LOG_LEVEL"
	EnvBrowserURL = "FEED_SPIDER_BROWSER_URL"
)

type SelectorConfig struct {
	Time    string `yaml:"time"`
	Content string `yaml:"content"`
	Overlay string `yaml:"overlay"`
}

type DelimiterConfig struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// FeedConfig describes one feed. Feeds share the crawl logic and differ only
// in selectors, delimiters and destination.
type FeedConfig struct {
	URL        string          `yaml:"url"`
	Category   string          `yaml:"category"`
	Table      string          `yaml:"table"`
	Driver     string          `yaml:"driver"`
	MaxPages   int             `yaml:"max_pages"`
	PageParam  string          `yaml:"page_param"`
	Selectors  SelectorConfig  `yaml:"selectors"`
	Delimiters DelimiterConfig `yaml:"delimiters"`
	Disabled   bool            `yaml:"disabled"`

	maxPagesSet bool
}

// UnmarshalYAML tells an explicit "max_pages: 0", which crawls nothing, apart
// from an absent key, which takes logic.default_max_pages.
func (f *FeedConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain FeedConfig
	if err := unmarshal((*plain)(f)); err != nil {
		return err
	}
	var keys map[string]interface{}
	if err := unmarshal(&keys); err != nil {
		return err
	}
	f.maxPagesSet = keys["max_pages"] != nil
	return nil
}

type DBConfig struct {
	Driver     string `yaml:"driver"`
	Connection string `yaml:"connection"`
	Database   string `yaml:"database"`
	RunLog     string `yaml:"run_log"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type BrowserConfig struct {
	RemoteURL      string   `yaml:"remote_url"`
	Headless       bool     `yaml:"headless"`
	Stealth        bool     `yaml:"stealth"`
	Options        []string `yaml:"options"`
	UserAgent      string   `yaml:"user_agent"`
	NavTimeoutSec  int      `yaml:"nav_timeout_sec"`
	ImplicitWaitMS int      `yaml:"implicit_wait_ms"`
	RevealScript   string   `yaml:"reveal_script"`
}

type HTTPConfig struct {
	UserAgent   string `yaml:"user_agent"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	DelayMS     int    `yaml:"delay_ms"`
	RandomDelay int    `yaml:"random_delay_ms"`
	Robots      bool   `yaml:"robots"`
}

type LogicConfig struct {
	RevealSteps       int `yaml:"reveal_steps"`
	RevealDelayMinMS  int `yaml:"reveal_delay_min_ms"`
	RevealDelayMaxMS  int `yaml:"reveal_delay_max_ms"`
	SettleDelayMS     int `yaml:"settle_delay_ms"`
	RunTimeoutSec     int `yaml:"run_timeout_sec"`
	DefaultMaxPages   int `yaml:"default_max_pages"`
	ReportTimeoutSec  int `yaml:"report_timeout_sec"`
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

type ScheduleConfig struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	Cron            string `yaml:"cron"`
	RunOnStart      bool   `yaml:"run_on_start"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type SpiderConfig struct {
	DB       DBConfig              `yaml:"db"`
	Browser  BrowserConfig         `yaml:"browser"`
	HTTP     HTTPConfig            `yaml:"http"`
	Logic    LogicConfig           `yaml:"logic"`
	Schedule ScheduleConfig        `yaml:"schedule"`
	Log      LogConfig             `yaml:"log"`
	Server   ServerConfig          `yaml:"server"`
	Feeds    map[string]FeedConfig `yaml:"feeds"`
}

func LoadConfig(path string) (*SpiderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies env overrides and defaults, and
// validates the result.
func Parse(data []byte) (*SpiderConfig, error) {
	var cfg SpiderConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *SpiderConfig) ApplyEnv() {
	if v := os.Getenv(EnvDBDriver); v != "" {
		c.DB.Driver = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.DB.Connection = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvBrowserURL); v != "" {
		c.Browser.RemoteURL = v
	}
}

func (c *SpiderConfig) SetDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = DBMongo
	}
	if c.DB.RunLog == "" {
		c.DB.RunLog = "scrape_log"
	}
	if c.DB.TimeoutSec <= 0 {
		c.DB.TimeoutSec = 5
	}
	if c.Browser.NavTimeoutSec <= 0 {
		c.Browser.NavTimeoutSec = 30
	}
	if c.Browser.ImplicitWaitMS <= 0 {
		c.Browser.ImplicitWaitMS = 10000
	}
	if c.HTTP.TimeoutSec <= 0 {
		c.HTTP.TimeoutSec = 30
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "Mozilla/5.0 (compatible; FeedSpider/1.0)"
	}
	if c.Logic.RevealSteps <= 0 {
		c.Logic.RevealSteps = 33
	}
	if c.Logic.RevealDelayMinMS <= 0 && c.Logic.RevealDelayMaxMS <= 0 {
		c.Logic.RevealDelayMinMS = 2000
		c.Logic.RevealDelayMaxMS = 4000
	}
	if c.Logic.RevealDelayMaxMS < c.Logic.RevealDelayMinMS {
		c.Logic.RevealDelayMaxMS = c.Logic.RevealDelayMinMS
	}
	if c.Logic.SettleDelayMS < 0 {
		c.Logic.SettleDelayMS = 0
	}
	if c.Logic.RunTimeoutSec <= 0 {
		c.Logic.RunTimeoutSec = 15 * 60
	}
	if c.Logic.DefaultMaxPages <= 0 {
		c.Logic.DefaultMaxPages = 5
	}
	if c.Logic.ReportTimeoutSec <= 0 {
		c.Logic.ReportTimeoutSec = 10
	}
	if c.Logic.MaxConcurrentRuns <= 0 {
		c.Logic.MaxConcurrentRuns = 2
	}
	if c.Schedule.IntervalMinutes <= 0 && c.Schedule.Cron == "" {
		c.Schedule.IntervalMinutes = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "console"
	}

	for name, feed := range c.Feeds {
		if feed.Driver == "" {
			feed.Driver = DriverBrowser
		}
		if feed.MaxPages == 0 && !feed.maxPagesSet {
			feed.MaxPages = c.Logic.DefaultMaxPages
		}
		if feed.Delimiters.Open == "" && feed.Delimiters.Close == "" {
			feed.Delimiters = DelimiterConfig{Open: "【", Close: "】"}
		}
		if feed.Table == "" {
			feed.Table = "news_data"
		}
		if feed.Category == "" {
			feed.Category = name
		}
		if feed.Driver == DriverStatic && feed.PageParam == "" {
			feed.PageParam = "page"
		}
		c.Feeds[name] = feed
	}
}

func (c *SpiderConfig) Validate() error {
	var errs []error

	switch c.DB.Driver {
	case DBMongo:
		if c.DB.Database == "" {
			errs = append(errs, errors.New("db.database is required for mongo"))
		}
	case DBPostgres, DBSQLite:
	default:
		errs = append(errs, fmt.Errorf("db.driver %q is not supported", c.DB.Driver))
	}
	if c.DB.Connection == "" {
		errs = append(errs, errors.New("db.connection is required"))
	}
	if len(c.Feeds) == 0 {
		errs = append(errs, errors.New("at least one feed is required"))
	}

	for name, feed := range c.Feeds {
		if feed.URL == "" {
			errs = append(errs, fmt.Errorf("feeds.%s.url is required", name))
		}
		if feed.Selectors.Time == "" || feed.Selectors.Content == "" {
			errs = append(errs, fmt.Errorf("feeds.%s.selectors.time and selectors.content are required", name))
		}
		if feed.Delimiters.Open == "" || feed.Delimiters.Close == "" {
			errs = append(errs, fmt.Errorf("feeds.%s.delimiters needs both open and close", name))
		}
		if feed.Driver != DriverBrowser && feed.Driver != DriverStatic {
			errs = append(errs, fmt.Errorf("feeds.%s.driver %q is not supported", name, feed.Driver))
		}
		if !validTableName(feed.Table) {
			errs = append(errs, fmt.Errorf("feeds.%s.table %q is not a valid table name", name, feed.Table))
		}
	}
	if !validTableName(c.DB.RunLog) {
		errs = append(errs, fmt.Errorf("db.run_log %q is not a valid table name", c.DB.RunLog))
	}

	return errors.Join(errs...)
}

// EnabledFeeds returns the names of feeds that are not disabled.
func (c *SpiderConfig) EnabledFeeds() []string {
	names := make([]string, 0, len(c.Feeds))
	for name, feed := range c.Feeds {
		if !feed.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (l LogicConfig) RevealDelayMin() time.Duration {
	return time.Duration(l.RevealDelayMinMS) * time.Millisecond
}

func (l LogicConfig) RevealDelayMax() time.Duration {
	return time.Duration(l.RevealDelayMaxMS) * time.Millisecond
}

func (l LogicConfig) SettleDelay() time.Duration {
	return time.Duration(l.SettleDelayMS) * time.Millisecond
}

func (l LogicConfig) RunTimeout() time.Duration {
	return time.Duration(l.RunTimeoutSec) * time.Second
}

func (l LogicConfig) ReportTimeout() time.Duration {
	return time.Duration(l.ReportTimeoutSec) * time.Second
}

// Spec returns the cron spec the scheduler registers every feed with.
func (s ScheduleConfig) Spec() string {
	if s.Cron != "" {
		return s.Cron
	}
	return fmt.Sprintf("@every %dm", s.IntervalMinutes)
}

// table and collection names are interpolated into SQL, so keep them to
// identifier characters.
func validTableName(name string) bool {
	if name == "" {
		return false
	}
	return strings.IndexFunc(name, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) < 0
}
