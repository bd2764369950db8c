package config

import (
	"fmt"
	"strings"

	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/queue"
)

// Validate checks cfg in isolation. Handler resolution is left to the topic
// registry. It returns nil or a *ValidationErrors.
func Validate(cfg model.Config) error {
	errs := &ValidationErrors{}

	if strings.TrimSpace(cfg.Log.LogDir) == "" {
		errs.Add("log.log_dir", "is required")
	}
	if !validLevel(cfg.Log.Level) {
		errs.Add("log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level))
	}

	validateTopics(cfg.Topics, errs)

	switch class := strings.TrimSpace(cfg.Queue.Class); {
	case class == "":
		errs.Add("queue.class", "is required")
	default:
		if _, ok := queue.Lookup(class); !ok {
			errs.Add("queue.class", fmt.Sprintf("unknown driver %q (available: %s)", class, strings.Join(queue.Classes(), ", ")))
		}
	}

	p := cfg.Process
	for _, f := range []struct {
		path  string
		value int
	}{
		{"process.supervise_interval_sec", p.SuperviseIntervalSec},
		{"process.restart_timeout_sec", p.RestartTimeoutSec},
		{"process.shutdown_timeout_sec", p.ShutdownTimeoutSec},
		{"process.pop_timeout_sec", p.PopTimeoutSec},
		{"process.delay_poll_ms", p.DelayPollMs},
		{"process.respawn_backoff_sec", p.RespawnBackoffSec},
		{"process.max_queue_failures", p.MaxQueueFailures},
	} {
		if f.value < 0 {
			errs.Add(f.path, "must be >= 0")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateTopics(topics []model.TopicConfig, errs *ValidationErrors) {
	if len(topics) == 0 {
		errs.Add("topics", "at least one topic is required")
		return
	}
	seen := make(map[string]bool, len(topics))
	for i, t := range topics {
		prefix := fmt.Sprintf("topics[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs.Add(prefix+".name", "is required")
		} else if seen[name] {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate topic %q", name))
		}
		seen[name] = true
		if strings.TrimSpace(t.Action) == "" {
			errs.Add(prefix+".action", "is required")
		}
		if t.Workers < 0 {
			errs.Add(prefix+".workers", "must be >= 0")
		}
		if t.Retries < 0 {
			errs.Add(prefix+".retries", "must be >= 0")
		}
	}
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// LogLevel returns the parsed log level of cfg.
func LogLevel(cfg model.Config) logging.Level {
	return logging.ParseLevel(cfg.Log.Level)
}
