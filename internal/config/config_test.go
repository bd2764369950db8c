package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/jobs/internal/model"
)

const sampleConfig = `
topics:
  - name: email
    action: exec
    workers: 2
    retries: 3
    options:
      command: "cat >/dev/null"
  - name: audit
    action: log
queue:
  class: redis
  url: redis://localhost:6379/0
  prefix: jobs
log:
  log_dir: logs
process:
  daemonize: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadWith_DefaultsAndPaths(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadWith(path, Overrides{})
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, filepath.Join(base, "logs"), cfg.Log.LogDir)
	assert.Equal(t, DefaultLogFile, cfg.Log.LogFile)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, cfg.Log.LogDir, cfg.Process.DataDir)
	assert.Equal(t, DefaultProcessLogFile, cfg.Process.ProcessLogFile)
	assert.True(t, cfg.Process.Daemonize)
	assert.Equal(t, DefaultSuperviseIntervalSec, cfg.Process.SuperviseIntervalSec)
	assert.Equal(t, DefaultRestartTimeoutSec, cfg.Process.RestartTimeoutSec)
	assert.Equal(t, DefaultShutdownTimeoutSec, cfg.Process.ShutdownTimeoutSec)
	assert.Equal(t, DefaultMaxQueueFailures, cfg.Process.MaxQueueFailures)

	require.Len(t, cfg.Topics, 2)
	assert.Equal(t, "email", cfg.Topics[0].Name)
	assert.Equal(t, 2, cfg.Topics[0].WorkerCount())
	assert.Equal(t, 3, cfg.Topics[0].Retries)
	assert.Equal(t, "cat >/dev/null", cfg.Topics[0].Options["command"])
	assert.Equal(t, 1, cfg.Topics[1].WorkerCount())
	assert.Equal(t, "audit", cfg.Topics[1].QueueName())

	assert.Equal(t, "redis", cfg.Queue.Class)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Queue.Options["url"])
	assert.Equal(t, "jobs", cfg.Queue.Options["prefix"])

	assert.NoError(t, Validate(cfg))
}

func TestLoadWith_Overrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	dataDir := t.TempDir()
	cfg, err := LoadWith(path, Overrides{
		LogLevel: "debug",
		DataDir:  dataDir,
		RedisURL: "redis://other:6380/2",
	})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, dataDir, cfg.Process.DataDir)
	assert.Equal(t, "redis://other:6380/2", cfg.Queue.Options["url"])
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("JOBS_QUEUE_CLASS", "memory")
	t.Setenv("JOBS_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Queue.Class)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadWith_Errors(t *testing.T) {
	_, err := LoadWith(filepath.Join(t.TempDir(), "missing.yaml"), Overrides{})
	assert.ErrorIs(t, err, ErrRead)

	_, err = LoadWith(writeConfig(t, "topics: [\n"), Overrides{})
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(PathEnv, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(PathEnv, "/etc/jobs.yaml")
	assert.Equal(t, "/etc/jobs.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath("x.yaml"))
}

func TestValidate(t *testing.T) {
	valid := func() model.Config {
		return model.Config{
			Topics: []model.TopicConfig{{Name: "email", Action: "log"}},
			Queue:  model.QueueConfig{Class: "memory"},
			Log:    model.LogConfig{LogDir: "/tmp/logs"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*model.Config)
		field  string
	}{
		{"missing log dir", func(c *model.Config) { c.Log.LogDir = "" }, "log.log_dir"},
		{"bad level", func(c *model.Config) { c.Log.Level = "loud" }, "log.level"},
		{"no topics", func(c *model.Config) { c.Topics = nil }, "topics"},
		{"missing name", func(c *model.Config) { c.Topics[0].Name = "" }, "topics[0].name"},
		{"missing action", func(c *model.Config) { c.Topics[0].Action = "" }, "topics[0].action"},
		{"negative workers", func(c *model.Config) { c.Topics[0].Workers = -1 }, "topics[0].workers"},
		{"duplicate", func(c *model.Config) {
			c.Topics = append(c.Topics, model.TopicConfig{Name: "email", Action: "log"})
		}, "topics[1].name"},
		{"missing class", func(c *model.Config) { c.Queue.Class = "" }, "queue.class"},
		{"unknown class", func(c *model.Config) { c.Queue.Class = "RabbitQueue" }, "queue.class"},
		{"negative timeout", func(c *model.Config) { c.Process.RestartTimeoutSec = -1 }, "process.restart_timeout_sec"},
	}

	require.NoError(t, Validate(valid()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := Validate(cfg)
			var ve *ValidationErrors
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Len(t, ve.Errors, 1)
			assert.Equal(t, tt.field, ve.Errors[0].FieldPath)
			assert.True(t, strings.HasPrefix(ve.FormatStderr(), "error: "+tt.field+": "))
		})
	}
}
