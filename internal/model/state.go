package model

import "time"

// MasterState is the lifecycle state of the master process.
type MasterState string

const (
	MasterStopped  MasterState = "stopped"
	MasterStarting MasterState = "starting"
	MasterRunning  MasterState = "running"
	MasterStopping MasterState = "stopping"
)

// Start option names persisted in MasterInfo.
const (
	OptionNoDelay = "no-delay"
)

// MasterInfo identifies a running master for separate CLI invocations.
type MasterInfo struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	PID           int               `yaml:"pid"`
	Options       map[string]string `yaml:"options,omitempty"`
	StartedAt     time.Time         `yaml:"started_at"`
}

// NoDelay reports whether the master was started with delay scheduling disabled.
func (m *MasterInfo) NoDelay() bool {
	_, ok := m.Options[OptionNoDelay]
	return ok
}

type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerStopping WorkerStatus = "stopping"
	WorkerDead     WorkerStatus = "dead"
)

type WorkerKind string

const (
	KindWorker  WorkerKind = "worker"
	KindDelayer WorkerKind = "delayer"
)

// WorkerRecord tracks one supervised process.
type WorkerRecord struct {
	PID           int          `yaml:"pid"`
	Topic         string       `yaml:"topic,omitempty"`
	Slot          int          `yaml:"slot"`
	Kind          WorkerKind   `yaml:"kind"`
	Status        WorkerStatus `yaml:"status"`
	StartedAt     time.Time    `yaml:"started_at"`
	LastHeartbeat time.Time    `yaml:"last_heartbeat"`
	Restarts      int          `yaml:"restarts"`
}

// StatusSnapshot is an observational dump published on a status request.
type StatusSnapshot struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	GeneratedAt   time.Time      `yaml:"generated_at"`
	MasterPID     int            `yaml:"master_pid"`
	State         MasterState    `yaml:"state"`
	StartedAt     time.Time      `yaml:"started_at"`
	LoadAverage   string         `yaml:"load_average"`
	MemoryUsage   string         `yaml:"memory_usage"`
	Workers       []WorkerRecord `yaml:"workers"`
}
