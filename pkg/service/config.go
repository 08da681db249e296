package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`
	// SourceIDKey is the metadata key naming persisted objects.
	SourceIDKey string `yaml:"source_id_key"`

	Cache    CacheConfig    `yaml:"cache"`
	GCS      GCSConfig      `yaml:"gcs"`
	Prompt   PromptConfig   `yaml:"prompt"`
	Image    ImageConfig    `yaml:"image"`
	Events   EventsConfig   `yaml:"events"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	// Backend is one of "file", "redis", "firestore".
	Backend   string          `yaml:"backend"`
	Dir       string          `yaml:"dir"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FirestoreConfig configures the Firestore cache backend.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSConfig configures the durable object store for persisted renders.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	ObjectPrefix    string `yaml:"object_prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// PromptConfig configures the prompt-synthesis collaborator.
type PromptConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ImageConfig configures the image-synthesis collaborator.
type ImageConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	Endpoint         string `yaml:"endpoint"`
	GenerateEndpoint string `yaml:"generate_endpoint"`
}

// EventsConfig configures the optional completion-event publisher.
type EventsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// LedgerConfig configures the optional run ledger.
type LedgerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id"`
	TableID         string `yaml:"table_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		HTTPPort:    ":8080",
		SourceIDKey: "patent_id",
		Cache: CacheConfig{
			Backend: "file",
			Dir:     ".cache/renders",
		},
		GCS: GCSConfig{
			ObjectPrefix: "patent-renders",
		},
		Prompt: PromptConfig{
			Model: "gpt-5.1",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults, expanding
// environment variable references in the file body.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
