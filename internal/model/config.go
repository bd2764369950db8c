// Package model defines the data structures for the job engine's configuration, jobs, and control-plane state.
package model

type Config struct {
	Topics  []TopicConfig `yaml:"topics"`
	Queue   QueueConfig   `yaml:"queue"`
	Process ProcessConfig `yaml:"process"`
	Log     LogConfig     `yaml:"log"`
}

// TopicConfig binds a topic name to a handler reference and a worker count.
type TopicConfig struct {
	Name    string            `yaml:"name"`
	Action  string            `yaml:"action"`
	Workers int               `yaml:"workers,omitempty"`
	Queue   string            `yaml:"queue,omitempty"`
	Retries int               `yaml:"retries,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// QueueName returns the backend queue the topic consumes from.
func (t TopicConfig) QueueName() string {
	if t.Queue != "" {
		return t.Queue
	}
	return t.Name
}

// WorkerCount returns the configured worker count, defaulting to one.
func (t TopicConfig) WorkerCount() int {
	if t.Workers <= 0 {
		return 1
	}
	return t.Workers
}

// QueueConfig selects a queue driver by class; every other key is passed to the driver.
type QueueConfig struct {
	Class   string         `yaml:"class"`
	Options map[string]any `yaml:",inline"`
}

type ProcessConfig struct {
	DataDir              string `yaml:"data_dir"`
	ProcessLogFile       string `yaml:"process_log_file"`
	Daemonize            bool   `yaml:"daemonize"`
	SuperviseIntervalSec int    `yaml:"supervise_interval_sec"`
	RestartTimeoutSec    int    `yaml:"restart_timeout_sec"`
	ShutdownTimeoutSec   int    `yaml:"shutdown_timeout_sec"`
	PopTimeoutSec        int    `yaml:"pop_timeout_sec"`
	DelayPollMs          int    `yaml:"delay_poll_ms"`
	RespawnBackoffSec    int    `yaml:"respawn_backoff_sec"`
	MaxQueueFailures     int    `yaml:"max_queue_failures"`
}

type LogConfig struct {
	LogDir  string `yaml:"log_dir"`
	LogFile string `yaml:"log_file"`
	Level   string `yaml:"level"`
}
