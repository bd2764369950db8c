// Package topic maps topic names to their configuration and handlers.
package topic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
)

// Handler processes one job. A returned error counts as a handler failure.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) error
}

type HandlerFunc func(ctx context.Context, job *model.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) error { return f(ctx, job) }

// Factory builds the handler for a topic from its configuration.
type Factory func(cfg model.TopicConfig) (Handler, error)

// Handlers resolves action references to handler factories.
type Handlers struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewHandlers() *Handlers {
	return &Handlers{factories: make(map[string]Factory)}
}

func (h *Handlers) Register(ref string, f Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[ref] = f
}

func (h *Handlers) Resolve(ref string) (Factory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.factories[ref]
	return f, ok
}

func (h *Handlers) Refs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.factories))
	for k := range h.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Builtin returns a handler set holding the "log" and "exec" actions.
func Builtin(logger *logging.Logger) *Handlers {
	h := NewHandlers()
	h.Register("log", func(cfg model.TopicConfig) (Handler, error) {
		return &LogHandler{logger: logger.With("topic." + cfg.Name)}, nil
	})
	h.Register("exec", NewExecHandler)
	return h
}

// LogHandler writes the payload to the log and always succeeds.
type LogHandler struct {
	logger *logging.Logger
}

func (h *LogHandler) Handle(_ context.Context, job *model.Job) error {
	h.logger.Infof("job id=%s attempts=%d payload=%q", job.ID, job.Attempts, job.Payload)
	return nil
}

// ExitError reports a non-zero exit of an exec handler command.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) ErrorCode() string { return fmt.Sprintf("EXIT_%d", e.ExitCode) }

// ExecHandler runs options.command through sh with the payload on stdin.
type ExecHandler struct {
	command string
	timeout time.Duration
}

var ErrMissingCommand = errors.New("exec handler requires options.command")

func NewExecHandler(cfg model.TopicConfig) (Handler, error) {
	cmd := strings.TrimSpace(cfg.Options["command"])
	if cmd == "" {
		return nil, fmt.Errorf("topic %q: %w", cfg.Name, ErrMissingCommand)
	}
	h := &ExecHandler{command: cmd}
	if t := cfg.Options["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("topic %q: invalid options.timeout: %w", cfg.Name, err)
		}
		h.timeout = d
	}
	return h, nil
}

func (h *ExecHandler) Handle(ctx context.Context, job *model.Job) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(job.Payload)
	cmd.Env = append(cmd.Environ(),
		"JOB_ID="+job.ID,
		"JOB_TOPIC="+job.Topic,
		fmt.Sprintf("JOB_ATTEMPTS=%d", job.Attempts),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{
				Command:  h.command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return fmt.Errorf("run %q: %w", h.command, err)
	}
	return nil
}
