package queue

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/msageha/jobs/internal/model"
)

// Options are the driver-specific keys of the queue config section.
type Options map[string]any

func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return def
		}
		return s
	}
	return fmt.Sprint(v)
}

func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Duration accepts Go duration strings ("5s") or plain numbers of seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

type Factory func(opts Options) (Driver, error)

// Registration describes a driver class. Shared is true when separate OS
// processes opening the driver with the same options see the same jobs.
type Registration struct {
	New    Factory
	Shared bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

func Register(class string, r Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[class] = r
}

func Lookup(class string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[class]
	return r, ok
}

// Classes lists registered driver classes in name order.
func Classes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds the driver selected by cfg.Class.
func Open(cfg model.QueueConfig) (Driver, Registration, error) {
	reg, ok := Lookup(cfg.Class)
	if !ok {
		return nil, Registration{}, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDriver, cfg.Class, Classes())
	}
	d, err := reg.New(Options(cfg.Options))
	if err != nil {
		return nil, reg, fmt.Errorf("open queue driver %q: %w", cfg.Class, err)
	}
	return d, reg, nil
}

func init() {
	Register("memory", Registration{New: func(Options) (Driver, error) { return NewMemory(), nil }})
	Register("redis", Registration{New: openRedis, Shared: true})
	Register("spool", Registration{New: openSpool, Shared: true})
}
