package services

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Compositor CompositorConfig `yaml:"compositor"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Queue      QueueConfig      `yaml:"queue"`
	Database   DatabaseConfig   `yaml:"database"`
	SentryDSN  string           `yaml:"sentry_dsn"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// requests per second per client, 0 disables the limiter
	RateLimit float64 `yaml:"rate_limit"`
}

type StorageConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	PublicBaseURL   string `yaml:"public_base_url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type GeminiConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	BaseURL string        `yaml:"base_url"`
}

type CompositorConfig struct {
	Preset string `yaml:"preset"`
	// zero keeps the preset value
	WidthRatio              float64 `yaml:"width_ratio"`
	TopRatio                float64 `yaml:"top_ratio"`
	WhitenGarmentBackground bool    `yaml:"whiten_garment_background"`
	// feathered or smooth
	CleanupMode string `yaml:"cleanup_mode"`
}

type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	MaxImageBytes int64         `yaml:"max_image_bytes"`
}

type QueueConfig struct {
	BrokerAddress string `yaml:"broker_address"`
}

type DatabaseConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
}

func DefaultConfig() *Config {
	return &Config{
		Env:    "local",
		Server: ServerConfig{Port: "5000"},
		Storage: StorageConfig{
			Region: "us-east-1",
			Bucket: "images",
		},
		Gemini: GeminiConfig{
			Model:   Flash25Image.String(),
			Timeout: 60 * time.Second,
		},
		Compositor: CompositorConfig{Preset: "full"},
		Fetch: FetchConfig{
			Timeout:       15 * time.Second,
			CacheTTL:      10 * time.Minute,
			MaxImageBytes: 20 << 20,
		},
		Database: DatabaseConfig{Port: "5432"},
	}
}

// LoadConfig reads the optional YAML file at path on top of the defaults, then
// applies environment overrides. ${VAR} references in the file are expanded.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillStorageDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Env, "ENV")
	setString(&c.Server.Port, "PORT")
	setString(&c.SentryDSN, "SENTRY_DSN")

	setString(&c.Storage.Endpoint, "STORAGE_ENDPOINT")
	setString(&c.Storage.Region, "STORAGE_REGION")
	setString(&c.Storage.Bucket, "STORAGE_BUCKET")
	setString(&c.Storage.PublicBaseURL, "STORAGE_PUBLIC_BASE_URL")
	setString(&c.Storage.AccessKeyID, "STORAGE_ACCESS_KEY_ID")
	setString(&c.Storage.SecretAccessKey, "STORAGE_SECRET_ACCESS_KEY")

	setString(&c.Gemini.APIKey, "GOOGLE_API_KEY")
	setString(&c.Gemini.Model, "GEMINI_MODEL")
	setString(&c.Gemini.BaseURL, "GEMINI_BASE_URL")

	setString(&c.Compositor.Preset, "TRYON_GEOMETRY_PRESET")
	setString(&c.Compositor.CleanupMode, "TRYON_CLEANUP_MODE")
	c.Compositor.WhitenGarmentBackground = GetEnvBool("TRYON_WHITEN_GARMENT", c.Compositor.WhitenGarmentBackground)
	var err error
	if c.Compositor.WidthRatio, err = GetEnvFloat("TRYON_WIDTH_RATIO", c.Compositor.WidthRatio); err != nil {
		return err
	}
	if c.Compositor.TopRatio, err = GetEnvFloat("TRYON_TOP_RATIO", c.Compositor.TopRatio); err != nil {
		return err
	}

	setString(&c.Queue.BrokerAddress, "ASYNC_BROKER_ADDRESS")

	setString(&c.Database.Username, "DB_USERNAME")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.Name, "DB_NAME")
	return nil
}

// Supabase exposes both an S3 endpoint and a public object URL under the project URL.
func (c *Config) fillStorageDefaults() {
	supabaseURL := strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	if supabaseURL == "" {
		return
	}
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = supabaseURL + "/storage/v1/s3"
	}
	if c.Storage.PublicBaseURL == "" {
		c.Storage.PublicBaseURL = supabaseURL + "/storage/v1/object/public"
	}
}

func (c *Config) Validate() error {
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	if err := ValidateGeometryRatios(c.Compositor.WidthRatio, c.Compositor.TopRatio); err != nil {
		return fmt.Errorf("compositor: %w", err)
	}
	if _, err := c.CompositeConfig(); err != nil {
		return err
	}
	switch c.Compositor.CleanupMode {
	case "", "feathered", "smooth":
	default:
		return fmt.Errorf("unknown garment cleanup mode: %s", c.Compositor.CleanupMode)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	return nil
}

// CompositeConfig resolves the compositor geometry: the preset, with explicit
// ratios taking precedence.
func (c *Config) CompositeConfig() (CompositeConfig, error) {
	preset := c.Compositor.Preset
	if preset == "" {
		preset = "full"
	}
	geometry, err := GeometryPreset(preset)
	if err != nil {
		return CompositeConfig{}, err
	}
	if c.Compositor.WidthRatio > 0 {
		geometry.WidthRatio = c.Compositor.WidthRatio
	}
	if c.Compositor.TopRatio > 0 {
		geometry.TopRatio = c.Compositor.TopRatio
	}
	return geometry, nil
}

func (c *Config) GeminiEnabled() bool {
	return c.Gemini.APIKey != ""
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
