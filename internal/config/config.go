package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Jina         JinaConfig         `yaml:"jina" mapstructure:"jina"`
	Firecrawl    FirecrawlConfig    `yaml:"firecrawl" mapstructure:"firecrawl"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Search       SearchConfig       `yaml:"search" mapstructure:"search"`
	Crawl        CrawlConfig        `yaml:"crawl" mapstructure:"crawl"`
	Extract      ExtractConfig      `yaml:"extract" mapstructure:"extract"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the task store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// JinaConfig holds Jina AI Reader / Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SearchConfig configures the search stage.
type SearchConfig struct {
	MaxResults int `yaml:"max_results" mapstructure:"max_results"`
}

// CrawlConfig configures the crawl stage.
type CrawlConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ExtractConfig configures the extract stage.
type ExtractConfig struct {
	FieldsPath string `yaml:"fields_path" mapstructure:"fields_path"`
}

// OrchestratorConfig configures task execution policy.
type OrchestratorConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	TaskTimeoutSecs  int     `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
	ReapIntervalSecs int     `yaml:"reap_interval_secs" mapstructure:"reap_interval_secs"`
	FailOnNoResults  bool    `yaml:"fail_on_no_results" mapstructure:"fail_on_no_results"`
	SearchWorkers    int     `yaml:"search_workers" mapstructure:"search_workers"`
	CrawlWorkers     int     `yaml:"crawl_workers" mapstructure:"crawl_workers"`
	ExtractWorkers   int     `yaml:"extract_workers" mapstructure:"extract_workers"`
	StoreWorkers     int     `yaml:"store_workers" mapstructure:"store_workers"`
	SearchRate       float64 `yaml:"search_rate" mapstructure:"search_rate"`
	CrawlRate        float64 `yaml:"crawl_rate" mapstructure:"crawl_rate"`
	ExtractRate      float64 `yaml:"extract_rate" mapstructure:"extract_rate"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ARBITAGEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "arbitagex.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("crawl.timeout_secs", 30)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.task_timeout_secs", 120)
	v.SetDefault("orchestrator.reap_interval_secs", 30)
	v.SetDefault("orchestrator.fail_on_no_results", false)
	v.SetDefault("orchestrator.search_workers", 2)
	v.SetDefault("orchestrator.crawl_workers", 8)
	v.SetDefault("orchestrator.extract_workers", 4)
	v.SetDefault("orchestrator.store_workers", 2)
	v.SetDefault("orchestrator.search_rate", 0)
	v.SetDefault("orchestrator.crawl_rate", 2)
	v.SetDefault("orchestrator.extract_rate", 1)

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
