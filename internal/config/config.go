// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/strix/internal/log"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `strix:` root key in YAML.
type GlobalConfig struct {
	Instances  int              `mapstructure:"instances"`   // Shard / worker count for sharded aggregators
	TimeSuffix string           `mapstructure:"time-suffix"` // Collection suffix pattern, e.g. yyyyMMdd
	SIP        SIPConfig        `mapstructure:"sip"`
	Media      MediaConfig      `mapstructure:"media"`
	UDF        UDFConfig        `mapstructure:"udf"`
	Management ManagementConfig `mapstructure:"management"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Bus        BusConfig        `mapstructure:"bus"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        log.LoggerConfig `mapstructure:"log"`
	Codecs     []CodecConfig    `mapstructure:"codecs"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

// ─── SIP ───

// SIPConfig groups signaling-side settings.
type SIPConfig struct {
	Message     SIPMessageConfig     `mapstructure:"message"`
	Transaction SIPTransactionConfig `mapstructure:"transaction"`
}

// SIPMessageConfig configures the SIP message handler.
type SIPMessageConfig struct {
	// Exclusions lists CSeq methods whose raw persistence and downstream
	// forwarding are suppressed. Message metrics still count them.
	Exclusions []string `mapstructure:"exclusions"`
}

// SIPTransactionConfig configures transaction aggregation timers.
type SIPTransactionConfig struct {
	ExpirationDelay    time.Duration `mapstructure:"expiration-delay"`    // Expiry scan period
	TerminationTimeout time.Duration `mapstructure:"termination-timeout"` // Age at which open transactions fail
}

// ─── Media ───

// MediaConfig groups media-side settings.
type MediaConfig struct {
	RTPR RTPRConfig `mapstructure:"rtp-r"`
}

// RTPRConfig configures RTP-R session aggregation.
type RTPRConfig struct {
	CumulativeMetrics  bool          `mapstructure:"cumulative-metrics"`  // true = emit metrics at termination only
	ExpirationDelay    time.Duration `mapstructure:"expiration-delay"`    // Expiry scan period
	AggregationTimeout time.Duration `mapstructure:"aggregation-timeout"` // Idle age terminating sessions and SDP entries
}

// ─── UDF ───

// UDFConfig configures the user-defined-function dispatcher.
type UDFConfig struct {
	CheckPeriod      time.Duration `mapstructure:"check-period"`      // Endpoint snapshot refresh period
	ExecutionTimeout time.Duration `mapstructure:"execution-timeout"` // Per-call timeout, timeout = no-op success
}

// ─── Management ───

// ManagementConfig configures the agent registry socket.
type ManagementConfig struct {
	URI               string        `mapstructure:"uri"` // udp://host:port
	ExpirationDelay   time.Duration `mapstructure:"expiration-delay"`
	ExpirationTimeout time.Duration `mapstructure:"expiration-timeout"`
}

// UDPAddr returns the host:port part of the configured udp:// URI.
func (m *ManagementConfig) UDPAddr() (string, error) {
	u, err := url.Parse(m.URI)
	if err != nil {
		return "", fmt.Errorf("invalid management.uri %q: %w", m.URI, err)
	}
	if u.Scheme != "udp" {
		return "", fmt.Errorf("invalid management.uri %q: scheme must be udp", m.URI)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid management.uri %q: missing host:port", m.URI)
	}
	return u.Host, nil
}

// ─── Mongo ───

// MongoConfig configures the bulk persistence writer.
type MongoConfig struct {
	URI           string        `mapstructure:"uri"`
	DB            string        `mapstructure:"db"`
	BatchSize     int           `mapstructure:"batch-size"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
}

// ─── Bus ───

// BusConfig configures the in-process message bus.
type BusConfig struct {
	QueueSize int `mapstructure:"queue-size"` // Per-subscriber mailbox capacity
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Codecs ───

// CodecConfig declares or overrides one codec's E-model impairment constants.
type CodecConfig struct {
	Name        string `mapstructure:"name"`
	PayloadType int    `mapstructure:"payload-type"`
	IE          int    `mapstructure:"ie"`
	BPL         int    `mapstructure:"bpl"`
}

// ─── Ingest ───

// IngestConfig configures the optional offline replay source.
type IngestConfig struct {
	Pcap PcapConfig `mapstructure:"pcap"`
}

// PcapConfig points the replay source at a capture file. Empty path disables it.
type PcapConfig struct {
	Path string `mapstructure:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `strix: ...`.
type configRoot struct {
	Strix GlobalConfig `mapstructure:"strix"`
}

// Load loads configuration from file.
// The YAML file uses `strix:` as root key; env vars override via STRIX_ prefix
// (e.g. STRIX_MONGO_URI overrides strix.mongo.uri).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// No explicit env prefix — the `strix.` key prefix naturally maps to
	// STRIX_ once dots and dashes collapse to underscores
	// (key "strix.mongo.batch-size" → env "STRIX_MONGO_BATCH_SIZE").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Strix

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "strix." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strix.instances", 4)
	v.SetDefault("strix.time-suffix", "yyyyMMdd")

	// SIP defaults
	v.SetDefault("strix.sip.transaction.expiration-delay", "100ms")
	v.SetDefault("strix.sip.transaction.termination-timeout", "32s")

	// Media defaults
	v.SetDefault("strix.media.rtp-r.cumulative-metrics", false)
	v.SetDefault("strix.media.rtp-r.expiration-delay", "4s")
	v.SetDefault("strix.media.rtp-r.aggregation-timeout", "30s")

	// UDF defaults
	v.SetDefault("strix.udf.check-period", "5m")
	v.SetDefault("strix.udf.execution-timeout", "100ms")

	// Management defaults
	v.SetDefault("strix.management.uri", "udp://0.0.0.0:9060")
	v.SetDefault("strix.management.expiration-delay", "60s")
	v.SetDefault("strix.management.expiration-timeout", "120s")

	// Mongo defaults
	v.SetDefault("strix.mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("strix.mongo.db", "strix")
	v.SetDefault("strix.mongo.batch-size", 500)
	v.SetDefault("strix.mongo.flush-interval", "1s")

	// Bus defaults
	v.SetDefault("strix.bus.queue-size", 8192)

	// Metrics defaults
	v.SetDefault("strix.metrics.enabled", true)
	v.SetDefault("strix.metrics.listen", ":9091")
	v.SetDefault("strix.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("strix.log.level", "info")
	v.SetDefault("strix.log.pattern", "%time [%level] %caller: %msg%n")
	v.SetDefault("strix.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("strix.log.file.enabled", false)
	v.SetDefault("strix.log.file.filename", "/var/log/strix/strix.log")
	v.SetDefault("strix.log.file.max-size", 100)
	v.SetDefault("strix.log.file.max-age", 30)
	v.SetDefault("strix.log.file.max-backups", 5)
	v.SetDefault("strix.log.file.compress", true)
}

// sipMethods is the accepted CSeq method set, shared with validation.
var sipMethods = map[string]bool{
	"INVITE": true, "ACK": true, "BYE": true, "CANCEL": true,
	"REGISTER": true, "NOTIFY": true, "MESSAGE": true, "OPTIONS": true,
	"SUBSCRIBE": true, "INFO": true, "UPDATE": true, "REFER": true,
	"PRACK": true, "PUBLISH": true,
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	if cfg.Instances < 1 {
		return fmt.Errorf("instances must be >= 1, got %d", cfg.Instances)
	}

	if _, err := TranslateTimePattern(cfg.TimeSuffix); err != nil {
		return fmt.Errorf("invalid time-suffix: %w", err)
	}

	// Exclusions are matched case-insensitively against CSeq methods.
	for i, m := range cfg.SIP.Message.Exclusions {
		upper := strings.ToUpper(strings.TrimSpace(m))
		if !sipMethods[upper] {
			return fmt.Errorf("sip.message.exclusions contains unknown method %q", m)
		}
		cfg.SIP.Message.Exclusions[i] = upper
	}

	if cfg.SIP.Transaction.ExpirationDelay <= 0 {
		return fmt.Errorf("sip.transaction.expiration-delay must be positive")
	}
	if cfg.SIP.Transaction.TerminationTimeout <= 0 {
		return fmt.Errorf("sip.transaction.termination-timeout must be positive")
	}

	if cfg.Media.RTPR.ExpirationDelay <= 0 {
		return fmt.Errorf("media.rtp-r.expiration-delay must be positive")
	}
	if cfg.Media.RTPR.AggregationTimeout <= 0 {
		return fmt.Errorf("media.rtp-r.aggregation-timeout must be positive")
	}

	if cfg.UDF.CheckPeriod <= 0 {
		return fmt.Errorf("udf.check-period must be positive")
	}
	if cfg.UDF.ExecutionTimeout <= 0 {
		return fmt.Errorf("udf.execution-timeout must be positive")
	}

	if _, err := cfg.Management.UDPAddr(); err != nil {
		return err
	}
	if cfg.Management.ExpirationDelay <= 0 {
		return fmt.Errorf("management.expiration-delay must be positive")
	}
	if cfg.Management.ExpirationTimeout <= 0 {
		return fmt.Errorf("management.expiration-timeout must be positive")
	}

	if cfg.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if cfg.Mongo.DB == "" {
		return fmt.Errorf("mongo.db is required")
	}
	if cfg.Mongo.BatchSize < 1 {
		return fmt.Errorf("mongo.batch-size must be >= 1, got %d", cfg.Mongo.BatchSize)
	}
	if cfg.Mongo.FlushInterval <= 0 {
		return fmt.Errorf("mongo.flush-interval must be positive")
	}

	if cfg.Bus.QueueSize < 1 {
		return fmt.Errorf("bus.queue-size must be >= 1, got %d", cfg.Bus.QueueSize)
	}

	for _, c := range cfg.Codecs {
		if c.Name == "" {
			return fmt.Errorf("codecs entries require a name")
		}
		if c.PayloadType < 0 || c.PayloadType > 127 {
			return fmt.Errorf("codec %s: payload-type must be in [0,127], got %d", c.Name, c.PayloadType)
		}
		if c.BPL <= 0 {
			return fmt.Errorf("codec %s: bpl must be positive, got %d", c.Name, c.BPL)
		}
		if c.IE < 0 {
			return fmt.Errorf("codec %s: ie must be >= 0, got %d", c.Name, c.IE)
		}
	}

	return nil
}

// TimeLayout returns the Go time layout translated from the configured
// time-suffix pattern. Safe after validation.
func (cfg *GlobalConfig) TimeLayout() string {
	layout, _ := TranslateTimePattern(cfg.TimeSuffix)
	return layout
}
