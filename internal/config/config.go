package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Evaluate EvaluateConfig `mapstructure:"evaluate"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	Path            string        `mapstructure:"path"`   // sqlite file path
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type DispatchConfig struct {
	// Backend selects the dispatch substrate: queue, topic, or null.
	// Resolved once at process start and injected; never re-read per call.
	Backend string      `mapstructure:"backend"`
	Queue   QueueConfig `mapstructure:"queue"`
	Topic   TopicConfig `mapstructure:"topic"`
}

type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type TopicConfig struct {
	// Endpoints maps a stage name to the HTTP endpoint its topic delivers to.
	Endpoints      map[string]string `mapstructure:"endpoints"`
	Source         string            `mapstructure:"source"`
	ListenAddr     string            `mapstructure:"listen_addr"`
	PublishTimeout time.Duration     `mapstructure:"publish_timeout"`
}

type PipelineConfig struct {
	Stages      map[string]StageConfig `mapstructure:"stages"`
	InlineLimit int                    `mapstructure:"inline_limit"`
	Sweep       SweepConfig            `mapstructure:"sweep"`
}

type StageConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

type SweepConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type OCRConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

type EvaluateConfig struct {
	ApproveThreshold float64 `mapstructure:"approve_threshold"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/scanner.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "documents")
	v.SetDefault("dispatch.backend", "queue")
	v.SetDefault("dispatch.queue.workers", 4)
	v.SetDefault("dispatch.queue.poll_interval", time.Second)
	v.SetDefault("dispatch.queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("dispatch.topic.source", "invoice-scanner")
	v.SetDefault("dispatch.topic.listen_addr", ":8081")
	v.SetDefault("dispatch.topic.publish_timeout", 10*time.Second)
	v.SetDefault("pipeline.inline_limit", 16*1024)
	v.SetDefault("pipeline.sweep.enabled", true)
	v.SetDefault("pipeline.sweep.interval", time.Minute)
	v.SetDefault("pipeline.sweep.stale_after", 5*time.Minute)
	for _, stage := range []string{"preprocess", "extract_text", "predict", "structure", "evaluate"} {
		v.SetDefault(fmt.Sprintf("pipeline.stages.%s.timeout", stage), 2*time.Minute)
		v.SetDefault(fmt.Sprintf("pipeline.stages.%s.max_retries", stage), 3)
		v.SetDefault(fmt.Sprintf("pipeline.stages.%s.backoff", stage), 30*time.Second)
	}
	v.SetDefault("ocr.timeout", 90*time.Second)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("evaluate.approve_threshold", 0.8)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")
	v.BindEnv("dispatch.backend", "DISPATCH_BACKEND")
	v.BindEnv("ocr.base_url", "OCR_BASE_URL")
	v.BindEnv("ocr.api_key", "OCR_API_KEY")
	v.BindEnv("llm.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.base_url", "OPENAI_BASE_URL")
	v.BindEnv("llm.model", "LLM_MODEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
