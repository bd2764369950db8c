// Package status renders the master's status.info for the terminal.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/state"
	jobsyaml "github.com/msageha/jobs/internal/yaml"
)

type Report struct {
	Master      MasterStatus      `json:"master"`
	Workers     []WorkerStatus    `json:"workers,omitempty"`
	DeadLetters []DeadLetterCount `json:"dead_letters,omitempty"`
}

type MasterStatus struct {
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	GeneratedAt time.Time `json:"generated_at"`
	LoadAverage string    `json:"load_average"`
	MemoryUsage string    `json:"memory_usage"`
}

type WorkerStatus struct {
	PID      int    `json:"pid"`
	Kind     string `json:"kind"`
	Topic    string `json:"topic,omitempty"`
	Slot     int    `json:"slot"`
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Restarts int    `json:"restarts"`
}

type DeadLetterCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Build turns a snapshot plus the dead-letter archive under dataDir into a report.
func Build(snap *model.StatusSnapshot, dataDir string) Report {
	r := Report{
		Master: MasterStatus{
			PID:         snap.MasterPID,
			State:       string(snap.State),
			StartedAt:   snap.StartedAt,
			GeneratedAt: snap.GeneratedAt,
			LoadAverage: snap.LoadAverage,
			MemoryUsage: snap.MemoryUsage,
		},
		DeadLetters: countDeadLetters(dataDir),
	}
	for _, w := range snap.Workers {
		r.Workers = append(r.Workers, WorkerStatus{
			PID:      w.PID,
			Kind:     string(w.Kind),
			Topic:    w.Topic,
			Slot:     w.Slot,
			Status:   string(w.Status),
			Uptime:   snap.GeneratedAt.Sub(w.StartedAt).Truncate(time.Second).String(),
			Restarts: w.Restarts,
		})
	}
	return r
}

// Run reads status.info from store and prints it.
func Run(store *state.Store, w io.Writer, jsonOutput bool) error {
	snap, err := store.ReadStatus()
	if err != nil {
		return fmt.Errorf("read %s: %w", state.StatusFile, err)
	}
	r := Build(snap, store.Dir())

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Print(w, r)
	return nil
}

func countDeadLetters(dataDir string) []DeadLetterCount {
	root := filepath.Join(dataDir, "dead_letters")
	topics, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var out []DeadLetterCount
	for _, t := range topics {
		if !t.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, t.Name()))
		if err != nil {
			continue
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") && !jobsyaml.IsTemp(e.Name()) {
				n++
			}
		}
		if n > 0 {
			out = append(out, DeadLetterCount{Topic: t.Name(), Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func Print(w io.Writer, r Report) {
	m := r.Master
	fmt.Fprintf(w, "Master: pid=%d state=%s\n", m.PID, m.State)
	if !m.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s\n", m.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Generated: %s\n", m.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s\n", m.LoadAverage)
	fmt.Fprintf(w, "Memory: %s\n", m.MemoryUsage)

	if len(r.Workers) > 0 {
		fmt.Fprintln(w, "\nWorkers:")
		fmt.Fprintf(w, "  %-8s  %-8s  %-16s  %4s  %-9s  %10s  %8s\n",
			"PID", "KIND", "TOPIC", "SLOT", "STATUS", "UPTIME", "RESTARTS")
		for _, wk := range r.Workers {
			topic := wk.Topic
			if topic == "" {
				topic = "-"
			}
			fmt.Fprintf(w, "  %-8d  %-8s  %-16s  %4d  %-9s  %10s  %8d\n",
				wk.PID, wk.Kind, topic, wk.Slot, wk.Status, wk.Uptime, wk.Restarts)
		}
	} else {
		fmt.Fprintln(w, "\nWorkers: none")
	}

	if len(r.DeadLetters) > 0 {
		fmt.Fprintln(w, "\nDead letters:")
		for _, d := range r.DeadLetters {
			fmt.Fprintf(w, "  %-16s  %d\n", d.Topic, d.Count)
		}
	}
}
