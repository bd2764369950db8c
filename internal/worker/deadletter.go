package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/jobs/internal/model"
	yamlutil "github.com/msageha/jobs/internal/yaml"
)

// DeadLetters archives dropped jobs under <data_dir>/dead_letters/<topic>/.
type DeadLetters struct {
	dir string
	now func() time.Time
}

func NewDeadLetters(dataDir string) *DeadLetters {
	return &DeadLetters{dir: filepath.Join(dataDir, "dead_letters"), now: time.Now}
}

func (d *DeadLetters) Dir() string { return d.dir }

// Archive writes one dead-letter file and returns its path.
func (d *DeadLetters) Archive(job *model.Job, reason string) (string, error) {
	topic := job.Topic
	if topic == "" {
		topic = "_unrouted"
	}
	dir := filepath.Join(d.dir, filepath.Base(topic))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dead_letters dir: %w", err)
	}

	now := d.now().UTC()
	entry := model.DeadLetter{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeDeadLetter,
		JobID:         job.ID,
		Topic:         job.Topic,
		Payload:       string(job.Payload),
		EnqueuedAt:    job.EnqueuedAt,
		Attempts:      job.Attempts,
		Reason:        reason,
		FailedAt:      now,
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.yaml", now.Format("20060102T150405Z"), job.ID))
	if err := yamlutil.AtomicWrite(path, entry); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the archived entries of a topic, oldest first.
func (d *DeadLetters) List(topic string) ([]model.DeadLetter, error) {
	dir := filepath.Join(d.dir, filepath.Base(topic))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dead_letters dir: %w", err)
	}
	var out []model.DeadLetter
	for _, e := range entries {
		if e.IsDir() || yamlutil.IsTemp(e.Name()) {
			continue
		}
		var dl model.DeadLetter
		if err := yamlutil.ReadFile(filepath.Join(dir, e.Name()), yamlutil.FileTypeDeadLetter, &dl); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}
