package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/metrics"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Workspace string          `json:"workspace" env:"DOTMEMORY_WORKSPACE" validate:"required"`
	Memory    MemoryConfig    `json:"memory"`
	Retention RetentionConfig `json:"retention"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
	Responder ResponderConfig `json:"responder"`
	mu        sync.RWMutex
}

type MemoryConfig struct {
	CacheCapacity     int     `json:"cache_capacity" env:"DOTMEMORY_MEMORY_CACHE_CAPACITY" validate:"gt=0"`
	CacheHitThreshold float64 `json:"cache_hit_threshold" env:"DOTMEMORY_MEMORY_CACHE_HIT_THRESHOLD" validate:"gt=0,lte=1"`
	StoreHitThreshold float64 `json:"store_hit_threshold" env:"DOTMEMORY_MEMORY_STORE_HIT_THRESHOLD" validate:"gt=0,lte=1"`
	StoreScanLimit    int     `json:"store_scan_limit" env:"DOTMEMORY_MEMORY_STORE_SCAN_LIMIT" validate:"gt=0"`
	KnowledgeLimit    int     `json:"knowledge_limit" env:"DOTMEMORY_MEMORY_KNOWLEDGE_LIMIT" validate:"gt=0"`
	UserPatternLimit  int     `json:"user_pattern_limit" env:"DOTMEMORY_MEMORY_USER_PATTERN_LIMIT" validate:"gt=0"`
}

type RetentionConfig struct {
	Enabled                bool    `json:"enabled" env:"DOTMEMORY_RETENTION_ENABLED"`
	Schedule               string  `json:"schedule" env:"DOTMEMORY_RETENTION_SCHEDULE" validate:"required_if=Enabled true,omitempty,cron"`
	Days                   int     `json:"days" env:"DOTMEMORY_RETENTION_DAYS" validate:"gt=0"`
	ConversationMaxLearned int     `json:"conversation_max_learned" env:"DOTMEMORY_RETENTION_CONVERSATION_MAX_LEARNED" validate:"gte=0"`
	KnowledgeMinConfidence float64 `json:"knowledge_min_confidence" env:"DOTMEMORY_RETENTION_KNOWLEDGE_MIN_CONFIDENCE" validate:"gt=0,lte=1"`
	PatternMinFrequency    int     `json:"pattern_min_frequency" env:"DOTMEMORY_RETENTION_PATTERN_MIN_FREQUENCY" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"DOTMEMORY_METRICS_ENABLED"`
	Addr    string `json:"addr" env:"DOTMEMORY_METRICS_ADDR" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Path    string `json:"path" env:"DOTMEMORY_METRICS_PATH" validate:"required_if=Enabled true,omitempty,startswith=/"`
}

type LogConfig struct {
	Level  string `json:"level" env:"DOTMEMORY_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" env:"DOTMEMORY_LOG_FORMAT" validate:"oneof=text json"`
	Output string `json:"output" env:"DOTMEMORY_LOG_OUTPUT" validate:"required"`
}

type ResponderConfig struct {
	Workers       int    `json:"workers" env:"DOTMEMORY_RESPONDER_WORKERS" validate:"gt=0,lte=64"`
	BufferSize    int    `json:"buffer_size" env:"DOTMEMORY_RESPONDER_BUFFER_SIZE" validate:"gt=0"`
	Generator     string `json:"generator" env:"DOTMEMORY_RESPONDER_GENERATOR" validate:"oneof=echo static"`
	StaticReply   string `json:"static_reply" env:"DOTMEMORY_RESPONDER_STATIC_REPLY" validate:"required_if=Generator static"`
	FallbackReply string `json:"fallback_reply" env:"DOTMEMORY_RESPONDER_FALLBACK_REPLY" validate:"required"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.dotmemory/workspace",
		Memory: MemoryConfig{
			CacheCapacity:     memory.DefaultCacheCapacity,
			CacheHitThreshold: memory.DefaultCacheHitThreshold,
			StoreHitThreshold: memory.DefaultStoreHitThreshold,
			StoreScanLimit:    memory.DefaultStoreScanLimit,
			KnowledgeLimit:    memory.DefaultKnowledgeLimit,
			UserPatternLimit:  memory.DefaultUserPatternLimit,
		},
		Retention: RetentionConfig{
			Enabled:                true,
			Schedule:               "0 3 * * *",
			Days:                   memory.DefaultRetentionDays,
			ConversationMaxLearned: 0,
			KnowledgeMinConfidence: memory.DefaultKnowledgeMinConfidence,
			PatternMinFrequency:    memory.DefaultPatternMinFrequency,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Responder: ResponderConfig{
			Workers:       4,
			BufferSize:    100,
			Generator:     "echo",
			FallbackReply: "I'm still learning. Can you tell me more?",
		},
	}
}

// DefaultPath is the config file location used when none is given.
func DefaultPath() string {
	return expandHome("~/.dotmemory/config.json")
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
			return gronx.New().IsValid(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// Validate reports every invalid field, keyed by its JSON path.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("config %s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			errs = append(errs, fmt.Errorf("config %s: failed %s", field, fe.Tag()))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// EngineConfig converts the memory and retention sections. The retention
// schedule is only set when scheduled sweeps are enabled.
func (c *Config) EngineConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := memory.Config{
		Workspace:              expandHome(c.Workspace),
		CacheCapacity:          c.Memory.CacheCapacity,
		CacheHitThreshold:      c.Memory.CacheHitThreshold,
		StoreHitThreshold:      c.Memory.StoreHitThreshold,
		StoreScanLimit:         c.Memory.StoreScanLimit,
		KnowledgeLimit:         c.Memory.KnowledgeLimit,
		UserPatternLimit:       c.Memory.UserPatternLimit,
		ConversationMaxLearned: c.Retention.ConversationMaxLearned,
		KnowledgeMinConfidence: c.Retention.KnowledgeMinConfidence,
		PatternMinFrequency:    c.Retention.PatternMinFrequency,
		RetentionDays:          c.Retention.Days,
	}
	if c.Retention.Enabled {
		out.RetentionSchedule = c.Retention.Schedule
	}
	return out
}

func (c *Config) MetricsConfig() metrics.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := metrics.DefaultConfig()
	out.Enabled = c.Metrics.Enabled
	out.Addr = c.Metrics.Addr
	out.Path = c.Metrics.Path
	return out
}

func (c *Config) LoggerConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{
		Level:  logger.ParseLevel(c.Log.Level),
		Format: c.Log.Format,
		Output: expandHome(c.Log.Output),
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
