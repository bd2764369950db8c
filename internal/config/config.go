// Package config loads the engine configuration from YAML with environment
// overrides, fills defaults, and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/msageha/jobs/internal/model"
)

const (
	DefaultPath = "conf/config.yaml"
	PathEnv     = "JOBS_CONFIG"
)

const (
	DefaultLogFile              = "application.log"
	DefaultProcessLogFile       = "process.log"
	DefaultSuperviseIntervalSec = 5
	DefaultRestartTimeoutSec    = 60
	DefaultShutdownTimeoutSec   = 30
	DefaultPopTimeoutSec        = 2
	DefaultDelayPollMs          = 500
	DefaultRespawnBackoffSec    = 1
	DefaultMaxQueueFailures     = 10
)

var ErrRead = errors.New("read config")

// Overrides are environment values applied on top of the file.
type Overrides struct {
	LogLevel   string `env:"JOBS_LOG_LEVEL"`
	LogDir     string `env:"JOBS_LOG_DIR"`
	DataDir    string `env:"JOBS_DATA_DIR"`
	QueueClass string `env:"JOBS_QUEUE_CLASS"`
	RedisURL   string `env:"JOBS_REDIS_URL"`
}

var dotenvOnce sync.Once

// ResolvePath picks the config path from the flag value, JOBS_CONFIG, or the default.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path, applies environment overrides from the process
// environment and .env, and fills defaults. It does not validate.
func Load(path string) (model.Config, error) {
	dotenvOnce.Do(func() {
		// .env is optional
		_ = godotenv.Load()
	})
	var o Overrides
	if err := env.Parse(&o); err != nil {
		return model.Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return LoadWith(path, o)
}

// LoadWith is Load with explicit overrides.
func LoadWith(path string, o Overrides) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	Apply(&cfg, o)

	abs, err := filepath.Abs(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	ApplyDefaults(&cfg, filepath.Dir(abs))
	return cfg, nil
}

func Parse(data []byte) (model.Config, error) {
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Apply copies non-empty overrides into cfg.
func Apply(cfg *model.Config, o Overrides) {
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogDir != "" {
		cfg.Log.LogDir = o.LogDir
	}
	if o.DataDir != "" {
		cfg.Process.DataDir = o.DataDir
	}
	if o.QueueClass != "" {
		cfg.Queue.Class = o.QueueClass
	}
	if o.RedisURL != "" {
		if cfg.Queue.Options == nil {
			cfg.Queue.Options = make(map[string]any)
		}
		cfg.Queue.Options["url"] = o.RedisURL
	}
}

// ApplyDefaults fills unset values. Relative directories are resolved
// against baseDir so every process started from the same file agrees on them.
func ApplyDefaults(cfg *model.Config, baseDir string) {
	if cfg.Log.LogFile == "" {
		cfg.Log.LogFile = DefaultLogFile
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.LogDir != "" {
		cfg.Log.LogDir = resolve(baseDir, cfg.Log.LogDir)
	}

	p := &cfg.Process
	if p.DataDir == "" {
		p.DataDir = cfg.Log.LogDir
	} else {
		p.DataDir = resolve(baseDir, p.DataDir)
	}
	if p.ProcessLogFile == "" {
		p.ProcessLogFile = DefaultProcessLogFile
	}
	setDefault(&p.SuperviseIntervalSec, DefaultSuperviseIntervalSec)
	setDefault(&p.RestartTimeoutSec, DefaultRestartTimeoutSec)
	setDefault(&p.ShutdownTimeoutSec, DefaultShutdownTimeoutSec)
	setDefault(&p.PopTimeoutSec, DefaultPopTimeoutSec)
	setDefault(&p.DelayPollMs, DefaultDelayPollMs)
	setDefault(&p.RespawnBackoffSec, DefaultRespawnBackoffSec)
	setDefault(&p.MaxQueueFailures, DefaultMaxQueueFailures)

	if dir, ok := cfg.Queue.Options["dir"].(string); ok && dir != "" {
		cfg.Queue.Options["dir"] = resolve(baseDir, dir)
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
