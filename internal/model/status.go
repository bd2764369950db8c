package model

import "fmt"

var validMasterTransitions = map[MasterState]map[MasterState]bool{
	MasterStopped: {
		MasterStarting: true,
	},
	MasterStarting: {
		MasterRunning: true,
		MasterStopped: true, // start failure
	},
	MasterRunning: {
		MasterStopping: true,
	},
	MasterStopping: {
		MasterStopped: true,
	},
}

// A dead record is never revived; a respawn creates a new record.
var validWorkerTransitions = map[WorkerStatus]map[WorkerStatus]bool{
	WorkerStarting: {
		WorkerRunning: true,
		WorkerDead:    true,
	},
	WorkerRunning: {
		WorkerStopping: true,
		WorkerDead:     true,
	},
	WorkerStopping: {
		WorkerDead: true,
	},
}

func IsWorkerTerminal(s WorkerStatus) bool {
	return s == WorkerDead
}

func ValidateMasterTransition(from, to MasterState) error {
	allowed, ok := validMasterTransitions[from]
	if !ok {
		return fmt.Errorf("unknown master state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid master transition: %q -> %q", from, to)
	}
	return nil
}

func ValidateWorkerTransition(from, to WorkerStatus) error {
	if IsWorkerTerminal(from) {
		return fmt.Errorf("cannot transition from terminal worker status %q", from)
	}
	allowed, ok := validWorkerTransitions[from]
	if !ok {
		return fmt.Errorf("unknown worker status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid worker transition: %q -> %q", from, to)
	}
	return nil
}
