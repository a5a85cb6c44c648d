// Package config 读取 YAML 配置并监听日志级别变更
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"
)

// Config 服务配置
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Http     HttpConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // sqlite3 或 sqlite
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

type HttpConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigin  string        `yaml:"allowed_origin"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ModelConfig struct {
	Name  string   `yaml:"name"`
	Store string   `yaml:"store"` // sqlite, s3, memory
	S3    S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type TrainingConfig struct {
	FineTuneEpochs        int     `yaml:"fine_tune_epochs"`
	FineTuneLearningRate  float32 `yaml:"fine_tune_learning_rate"`
	ColdTrainEpochs       int     `yaml:"cold_train_epochs"`
	ColdTrainLearningRate float32 `yaml:"cold_train_learning_rate"`
	MaxStep               float64 `yaml:"max_step"`
	Seed                  uint64  `yaml:"seed"`
	LogEvery              int     `yaml:"log_every"`
	MaxAttempts           int     `yaml:"max_attempts"`
	ColdTrainOnCorrupt    bool    `yaml:"cold_train_on_corrupt"`
	TraceGraph            bool    `yaml:"trace_graph"`
}

type CatalogConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite3", Path: "pricewise.db", BusyTimeout: 5000},
		Http:     HttpConfig{Port: 8080, RequestTimeout: 30 * time.Second, AllowedOrigin: "*"},
		Log:      LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Model:    ModelConfig{Name: "Pricing_Model", Store: "sqlite", S3: S3Config{Region: "us-east-1"}},
		Training: TrainingConfig{
			FineTuneEpochs:        50,
			FineTuneLearningRate:  1e-3,
			ColdTrainEpochs:       100,
			ColdTrainLearningRate: 1e-2,
			MaxStep:               0.25,
			LogEvery:              10,
			MaxAttempts:           3,
			ColdTrainOnCorrupt:    true,
		},
		Catalog: CatalogConfig{CacheSize: 1024, CacheTTL: 5 * time.Second},
	}
}

// Load 读取配置文件，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Model.Store {
	case "sqlite", "memory":
	case "s3":
		if c.Model.S3.Bucket == "" {
			return errors.New("model.s3.bucket is required when model.store is s3")
		}
	default:
		return errors.Newf("unknown model.store %q", c.Model.Store)
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return errors.Newf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Model.Name == "" {
		return errors.New("model.name must not be empty")
	}
	if c.Training.MaxStep < 0 {
		return errors.New("training.max_step must not be negative")
	}
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return errors.Newf("invalid http.port %d", c.Http.Port)
	}
	return nil
}
