// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PulsePipe/pulsepipe/internal/deid"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig               `yaml:"store" mapstructure:"store"`
	Pipelines map[string]PipelineConfig `yaml:"pipelines" mapstructure:"pipelines"`
	Log       LogConfig                 `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the tracking database backend.
type StoreConfig struct {
	// Driver is "sqlite", "postgres", or "mongodb".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`

	// MongoDatabase names the database when Driver is "mongodb".
	MongoDatabase string `yaml:"mongo_database" mapstructure:"mongo_database"`

	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig tunes the store write retry policy. Zero values take the
// package defaults.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig tunes the circuit breaker guarding recognizer calls.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PipelineConfig defines one named pipeline: where records come from,
// how they are de-identified, and how wide the stage workers run.
type PipelineConfig struct {
	Adapter     AdapterConfig     `yaml:"adapter" mapstructure:"adapter"`
	Deid        deid.Config       `yaml:"deid" mapstructure:"deid"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Recognizer  BreakerConfig     `yaml:"recognizer_breaker" mapstructure:"recognizer_breaker"`

	// PayerTable is the path of a YAML payer lookup table for the EDI
	// parser. Empty means the built-in defaults.
	PayerTable string `yaml:"payer_table" mapstructure:"payer_table"`
}

// AdapterConfig configures the record source.
type AdapterConfig struct {
	// Type is the adapter kind. Only "directory" ships in-tree.
	Type string `yaml:"type" mapstructure:"type"`

	// Path is the directory scanned by the directory adapter.
	Path string `yaml:"path" mapstructure:"path"`

	// Format is the parser tag applied to every record from this source
	// ("hl7v2", "x12", "fhir", "cda"). Never sniffed from content.
	Format string `yaml:"format" mapstructure:"format"`
}

// ConcurrencyConfig bounds the concurrent execution mode.
type ConcurrencyConfig struct {
	// Workers is the goroutine count per stage.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// QueueDepth is the capacity of the channels joining stages.
	QueueDepth int `yaml:"queue_depth" mapstructure:"queue_depth"`

	// RecordTimeout bounds one record's time in the pipeline, measured
	// from the moment it leaves the adapter. Zero means no deadline.
	RecordTimeout time.Duration `yaml:"record_timeout" mapstructure:"record_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("pulsepipe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PULSEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pulsepipe.db")
	v.SetDefault("store.mongo_database", "pulsepipe")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings whose problems should surface at startup, not
// mid-run.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "mongodb":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url must be set")
	}
	for name, p := range c.Pipelines {
		if err := p.Validate(); err != nil {
			return eris.Wrapf(err, "config: pipeline %q", name)
		}
	}
	return nil
}

// Validate checks one pipeline definition.
func (p *PipelineConfig) Validate() error {
	if p.Adapter.Type == "" {
		return eris.New("adapter.type must be set")
	}
	if p.Adapter.Format == "" {
		return eris.New("adapter.format must be set")
	}
	if p.Concurrency.Workers < 0 || p.Concurrency.QueueDepth < 0 {
		return eris.New("concurrency settings must not be negative")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
