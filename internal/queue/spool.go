package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/msageha/jobs/internal/model"
	yamlutil "github.com/msageha/jobs/internal/yaml"
)

const (
	spoolReady    = "ready"
	spoolDelayed  = "delayed"
	spoolInflight = "inflight"
)

type spoolFile struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	ID            string     `yaml:"id"`
	Topic         string     `yaml:"topic"`
	Payload       string     `yaml:"payload"`
	EnqueuedAt    time.Time  `yaml:"enqueued_at"`
	NotBefore     *time.Time `yaml:"not_before,omitempty"`
	Attempts      int        `yaml:"attempts,omitempty"`
}

func (f *spoolFile) job() *model.Job {
	return &model.Job{
		ID:         f.ID,
		Topic:      f.Topic,
		Payload:    []byte(f.Payload),
		EnqueuedAt: f.EnqueuedAt,
		NotBefore:  f.NotBefore,
		Attempts:   f.Attempts,
	}
}

// Spool is a directory-backed driver for single-host deployments:
//
//	<dir>/<queue>/ready/<nanos>-<id>.yaml
//	<dir>/<queue>/delayed/<not_before nanos>-<id>.yaml
//	<dir>/<queue>/inflight/<nanos>-<id>.yaml
//
// Files are written atomically and claimed by renaming them into inflight/,
// which succeeds for exactly one process. Zero-padded name prefixes keep
// ready and delayed listings in FIFO and due order. Blocked pops wake on
// fsnotify events for ready/. Jobs left in inflight/ by a crashed consumer
// stay there until moved back by hand.
type Spool struct {
	dir     string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	watched  map[string]bool
	wake     map[string]chan struct{}
	inflight map[string]string
	closed   bool
	done     chan struct{}
}

func openSpool(opts Options) (Driver, error) {
	dir := opts.String("dir", "")
	if dir == "" {
		return nil, fmt.Errorf("%w: queue.dir", ErrMissingOption)
	}
	return NewSpool(dir)
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	s := &Spool{
		dir:      dir,
		watcher:  watcher,
		watched:  make(map[string]bool),
		wake:     make(map[string]chan struct{}),
		inflight: make(map[string]string),
		done:     make(chan struct{}),
	}
	go s.watchLoop()
	return s, nil
}

func (s *Spool) path(queue, area string) string {
	return filepath.Join(s.dir, queue, area)
}

func (s *Spool) ensureQueue(queue string) error {
	for _, area := range []string{spoolReady, spoolDelayed, spoolInflight} {
		if err := os.MkdirAll(s.path(queue, area), 0755); err != nil {
			return fmt.Errorf("ensure %s/%s: %w", queue, area, err)
		}
	}
	return nil
}

func (s *Spool) Push(_ context.Context, queue string, job *model.Job) (string, error) {
	if err := s.ensureQueue(queue); err != nil {
		return "", err
	}

	now := time.Now()
	f := spoolFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeSpoolJob,
		ID:            job.ID,
		Topic:         job.Topic,
		Payload:       string(job.Payload),
		EnqueuedAt:    job.EnqueuedAt,
		NotBefore:     job.NotBefore,
		Attempts:      job.Attempts,
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.EnqueuedAt.IsZero() {
		f.EnqueuedAt = now
	}

	area, key := spoolReady, f.EnqueuedAt
	if job.Delayed(now) {
		area, key = spoolDelayed, *f.NotBefore
	}
	name := fmt.Sprintf("%020d-%s.yaml", key.UnixNano(), f.ID)
	if err := yamlutil.AtomicWrite(filepath.Join(s.path(queue, area), name), &f); err != nil {
		return "", fmt.Errorf("write spool job: %w", err)
	}
	return f.ID, nil
}

func (s *Spool) Pop(ctx context.Context, queue string, wait time.Duration) (*model.Job, error) {
	if err := s.ensureQueue(queue); err != nil {
		return nil, err
	}
	if err := s.watch(queue); err != nil {
		return nil, err
	}

	var timer *time.Timer
	if wait > 0 {
		timer = time.NewTimer(wait)
		defer timer.Stop()
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		ch := s.waitCh(queue)
		s.mu.Unlock()

		job, err := s.claim(queue)
		if err != nil || job != nil {
			return job, err
		}
		if timer == nil {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-ch:
		}
	}
}

func (s *Spool) claim(queue string) (*model.Job, error) {
	readyDir := s.path(queue, spoolReady)
	entries, err := os.ReadDir(readyDir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || yamlutil.IsTemp(name) || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		dst := filepath.Join(s.path(queue, spoolInflight), name)
		if err := os.Rename(filepath.Join(readyDir, name), dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // claimed by another consumer
			}
			return nil, fmt.Errorf("claim spool job: %w", err)
		}

		var f spoolFile
		if err := yamlutil.ReadFile(dst, yamlutil.FileTypeSpoolJob, &f); err != nil {
			_, _ = yamlutil.Quarantine(s.dir, dst)
			continue
		}
		s.mu.Lock()
		s.inflight[f.ID] = dst
		s.mu.Unlock()
		return f.job(), nil
	}
	return nil, nil
}

func (s *Spool) take(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	return p, ok
}

func (s *Spool) Ack(_ context.Context, id string) error {
	p, ok := s.take(id)
	if !ok {
		return ErrUnknownJob
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ack spool job: %w", err)
	}
	return nil
}

func (s *Spool) Nack(_ context.Context, id string) error {
	p, ok := s.take(id)
	if !ok {
		return ErrUnknownJob
	}
	var f spoolFile
	if err := yamlutil.ReadFile(p, yamlutil.FileTypeSpoolJob, &f); err != nil {
		return fmt.Errorf("nack spool job: %w", err)
	}
	f.Attempts++

	// The original name keeps the job's place in FIFO order.
	readyDir := filepath.Join(filepath.Dir(filepath.Dir(p)), spoolReady)
	if err := yamlutil.AtomicWrite(filepath.Join(readyDir, filepath.Base(p)), &f); err != nil {
		return fmt.Errorf("nack spool job: %w", err)
	}
	return os.Remove(p)
}

func (s *Spool) PromoteDue(_ context.Context, queue string, now time.Time) (int, error) {
	delayedDir := s.path(queue, spoolDelayed)
	entries, err := os.ReadDir(delayedDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read delayed spool: %w", err)
	}

	promoted := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || yamlutil.IsTemp(name) {
			continue
		}
		due, ok := spoolDue(name)
		if !ok {
			continue
		}
		if due > now.UnixNano() {
			break // names sort by due time
		}
		err := os.Rename(filepath.Join(delayedDir, name), filepath.Join(s.path(queue, spoolReady), name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return promoted, fmt.Errorf("promote spool job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func spoolDue(name string) (int64, bool) {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Spool) watch(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watched[queue] {
		return nil
	}
	if err := s.watcher.Add(s.path(queue, spoolReady)); err != nil {
		return fmt.Errorf("watch %s: %w", queue, err)
	}
	s.watched[queue] = true
	return nil
}

func (s *Spool) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				queue := filepath.Base(filepath.Dir(filepath.Dir(event.Name)))
				s.mu.Lock()
				s.signal(queue)
				s.mu.Unlock()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// waitCh must be called with mu held.
func (s *Spool) waitCh(queue string) chan struct{} {
	ch, ok := s.wake[queue]
	if !ok {
		ch = make(chan struct{})
		s.wake[queue] = ch
	}
	return ch
}

// signal must be called with mu held.
func (s *Spool) signal(queue string) {
	if ch, ok := s.wake[queue]; ok {
		close(ch)
		delete(s.wake, queue)
	}
}

func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for q := range s.wake {
		s.signal(q)
	}
	s.mu.Unlock()

	close(s.done)
	return s.watcher.Close()
}
