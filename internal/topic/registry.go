package topic

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/msageha/jobs/internal/model"
)

var (
	ErrNoTopics       = errors.New("no topics configured")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrDuplicateTopic = errors.New("duplicate topic name")
	ErrUnknownAction  = errors.New("unknown topic action")
	ErrUnknownTopic   = errors.New("unknown topic")
)

// Registry is the validated, immutable set of topics for one process.
// Handlers are built on first use and cached.
type Registry struct {
	topics   []model.TopicConfig
	byName   map[string]model.TopicConfig
	handlers *Handlers

	mu    sync.Mutex
	built map[string]Handler
}

// NewRegistry validates topics against handlers. Each action must resolve
// and its factory must accept the topic's options.
func NewRegistry(topics []model.TopicConfig, handlers *Handlers) (*Registry, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	r := &Registry{
		topics:   make([]model.TopicConfig, 0, len(topics)),
		byName:   make(map[string]model.TopicConfig, len(topics)),
		handlers: handlers,
		built:    make(map[string]Handler, len(topics)),
	}
	for i, t := range topics {
		t.Name = strings.TrimSpace(t.Name)
		t.Action = strings.TrimSpace(t.Action)
		switch {
		case t.Name == "":
			return nil, fmt.Errorf("%w: topics[%d]: name is required", ErrInvalidTopic, i)
		case t.Action == "":
			return nil, fmt.Errorf("%w: topics[%d] %q: action is required", ErrInvalidTopic, i, t.Name)
		case t.Workers < 0:
			return nil, fmt.Errorf("%w: topics[%d] %q: workers must be >= 0", ErrInvalidTopic, i, t.Name)
		case t.Retries < 0:
			return nil, fmt.Errorf("%w: topics[%d] %q: retries must be >= 0", ErrInvalidTopic, i, t.Name)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTopic, t.Name)
		}
		factory, ok := handlers.Resolve(t.Action)
		if !ok {
			return nil, fmt.Errorf("%w: topic %q action %q (available: %v)", ErrUnknownAction, t.Name, t.Action, handlers.Refs())
		}
		h, err := factory(t)
		if err != nil {
			return nil, fmt.Errorf("%w: topic %q: %w", ErrUnknownAction, t.Name, err)
		}
		r.built[t.Name] = h
		r.byName[t.Name] = t
		r.topics = append(r.topics, t)
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (model.TopicConfig, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Topics returns the topics in configuration order.
func (r *Registry) Topics() []model.TopicConfig {
	out := make([]model.TopicConfig, len(r.topics))
	copy(out, r.topics)
	return out
}

// Queues returns the distinct queue names consumed by the topics.
func (r *Registry) Queues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range r.topics {
		q := t.QueueName()
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

func (r *Registry) Handler(name string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.built[name]; ok {
		return h, nil
	}
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	factory, ok := r.handlers.Resolve(t.Action)
	if !ok {
		return nil, fmt.Errorf("%w: topic %q action %q", ErrUnknownAction, name, t.Action)
	}
	h, err := factory(t)
	if err != nil {
		return nil, err
	}
	r.built[name] = h
	return h, nil
}
