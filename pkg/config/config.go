// Package config loads the aggregator's TOML configuration. Flags and
// LEDGER_AGGREGATOR_* environment variables override the top-level operating
// knobs; everything source-specific lives in the file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// Duration is a time.Duration that unmarshals from TOML strings like "4h5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Date is a UTC day that unmarshals from "YYYY-MM-DD".
type Date struct {
	time.Time
}

func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := time.Parse(timeutil.DateFormat, string(text))
	if err != nil {
		return err
	}
	d.Time = parsed
	return nil
}

type Config struct {
	Listen     string `toml:"listen"`
	LogLevel   string `toml:"log_level"`
	LogQueries bool   `toml:"log_queries"`

	// Currency every source's cost is converted to.
	Currency string `toml:"currency"`

	Presto PrestoConfig `toml:"presto"`
	Hive   HiveConfig   `toml:"hive"`
	Tables TablesConfig `toml:"tables"`

	BatchAPI    BatchAPIConfig    `toml:"batch_api"`
	AnalysisAPI AnalysisAPIConfig `toml:"analysis_api"`

	Topics TopicsConfig `toml:"topics"`

	BatchUsage    BatchUsageConfig    `toml:"batchusage"`
	SharedCompute SharedComputeConfig `toml:"sharedcompute"`
	CloudExport   CloudExportConfig   `toml:"cloudexport"`
	Partner       PartnerConfig       `toml:"partner"`
}

type PrestoConfig struct {
	// Host is the presto DSN, e.g.
	// "http://ledger@presto:8080?catalog=hive&schema=billing".
	Host           string   `toml:"host"`
	ConnectBackoff Duration `toml:"connect_backoff"`
	MaxRetries     int      `toml:"max_retries"`
}

type HiveConfig struct {
	// Host is the HiveServer2 DSN used for DDL only.
	Host           string   `toml:"host"`
	ConnectBackoff Duration `toml:"connect_backoff"`
	MaxRetries     int      `toml:"max_retries"`
}

type TablesConfig struct {
	Ledger     string `toml:"ledger"`
	Export     string `toml:"export"`
	PartnerRaw string `toml:"partner_raw"`
}

type BatchAPIConfig struct {
	URL   string `toml:"url"`
	UIURL string `toml:"ui_url"`
	Token string `toml:"token"`
}

type AnalysisAPIConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type TopicsConfig struct {
	// DatasetConfigPath points at the dataset configuration document; its
	// project IDs are inverted into a project-to-topic map at startup.
	DatasetConfigPath string `toml:"dataset_config_path"`

	// Projects adds or overrides project-to-topic entries directly.
	Projects map[string]string `toml:"projects"`
}

type BatchUsageConfig struct {
	ServiceID          string            `toml:"service_id"`
	ServiceDescription string            `toml:"service_description"`
	SharedTopic        string            `toml:"shared_topic"`
	CreditProject      string            `toml:"credit_project"`
	ExcludedProjects   []string          `toml:"excluded_projects"`
	TopicOverrides     map[string]string `toml:"topic_overrides"`
	KeyCutover         Date              `toml:"key_cutover"`
	Interval           Duration          `toml:"interval"`

	// ServiceFee is an additional fraction applied on top of every batch
	// cost. Currently zero.
	ServiceFee float64 `toml:"service_fee"`
}

type SharedComputeConfig struct {
	BillingProject         string   `toml:"billing_project"`
	Datasets               []string `toml:"datasets"`
	ExportProjects         []string `toml:"export_projects"`
	ServiceID              string   `toml:"service_id"`
	DirectDescription      string   `toml:"direct_description"`
	DistributedDescription string   `toml:"distributed_description"`
	DefaultTopic           string   `toml:"default_topic"`
	FirstLoad              Date     `toml:"first_load"`
	Interval               Duration `toml:"interval"`

	// WindowOffset shifts resolved windows back for this source; its
	// upstream settles roughly a day late.
	WindowOffset Duration `toml:"window_offset"`
}

type CloudExportConfig struct {
	ExcludedProjects []string `toml:"excluded_projects"`
	Interval         Duration `toml:"interval"`
}

type PartnerConfig struct {
	TokenURL       string   `toml:"token_url"`
	UsageURL       string   `toml:"usage_url"`
	APIKey         string   `toml:"api_key"`
	Tenant         string   `toml:"tenant"`
	Topic          string   `toml:"topic"`
	ConversionRate float64  `toml:"conversion_rate"`
	Interval       Duration `toml:"interval"`
}

// Default returns the configuration before any file or flag is applied.
func Default() Config {
	return Config{
		Listen:   "0.0.0.0:8080",
		LogLevel: "info",
		Currency: "AUD",
		Presto: PrestoConfig{
			ConnectBackoff: Duration(time.Second),
			MaxRetries:     30,
		},
		Hive: HiveConfig{
			ConnectBackoff: Duration(time.Second),
			MaxRetries:     30,
		},
		BatchUsage: BatchUsageConfig{
			Interval: Duration(timeutil.DefaultInterval),
		},
		SharedCompute: SharedComputeConfig{
			Interval:     Duration(timeutil.DefaultInterval),
			WindowOffset: Duration(24 * time.Hour),
		},
		CloudExport: CloudExportConfig{
			Interval: Duration(timeutil.DefaultInterval),
		},
		Partner: PartnerConfig{
			Interval: Duration(7 * 24 * time.Hour),
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %v", path, err)
	}
	return cfg, nil
}

// Validate checks the fields every mode of the binary needs. Source-specific
// fields are checked by the components that consume them.
func (c Config) Validate() error {
	if c.Presto.Host == "" {
		return fmt.Errorf("presto.host is required")
	}
	if c.Tables.Ledger == "" {
		return fmt.Errorf("tables.ledger is required")
	}
	if c.Tables.Export == "" {
		return fmt.Errorf("tables.export is required")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// LogrusLevel returns the configured log level; Validate has already checked
// it parses.
func (c Config) LogrusLevel() log.Level {
	level, _ := parseLogLevel(c.LogLevel)
	return level
}

func parseLogLevel(level string) (log.Level, error) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("bad log_level %q: %v", level, err)
	}
	return parsed, nil
}
