// Package master runs the supervising master process and implements the
// control operations issued against it from separate CLI invocations.
package master

import (
	"errors"

	"github.com/msageha/jobs/internal/model"
)

var (
	ErrNotRunning     = errors.New("program is not running")
	ErrAlreadyRunning = errors.New("program is already running")
	ErrStopTimeout    = errors.New("timed out waiting for the master to stop")
	ErrStatusTimeout  = errors.New("master did not refresh the status in time")
)

// StartOptions are the start flags persisted in master.info so restart can
// reuse them.
type StartOptions struct {
	NoDelay bool
}

func (o StartOptions) Map() map[string]string {
	m := map[string]string{}
	if o.NoDelay {
		m[model.OptionNoDelay] = ""
	}
	return m
}

func OptionsFromInfo(info *model.MasterInfo) StartOptions {
	if info == nil {
		return StartOptions{}
	}
	return StartOptions{NoDelay: info.NoDelay()}
}

// Args renders the options as command-line flags.
func (o StartOptions) Args() []string {
	if o.NoDelay {
		return []string{"--" + model.OptionNoDelay}
	}
	return nil
}
