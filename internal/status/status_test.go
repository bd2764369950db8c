package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/state"
)

func sampleSnapshot() *model.StatusSnapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.StatusSnapshot{
		GeneratedAt: now,
		MasterPID:   100,
		State:       model.MasterRunning,
		StartedAt:   now.Add(-time.Hour),
		LoadAverage: "load average: 0.10, 0.20, 0.30",
		MemoryUsage: "12.00 MB",
		Workers: []model.WorkerRecord{
			{PID: 101, Kind: model.KindDelayer, Status: model.WorkerRunning, StartedAt: now.Add(-time.Hour)},
			{PID: 102, Kind: model.KindWorker, Topic: "email", Slot: 0, Status: model.WorkerRunning, StartedAt: now.Add(-90 * time.Second), Restarts: 2},
		},
	}
}

func TestCountDeadLetters(t *testing.T) {
	dir := t.TempDir()
	emailDir := filepath.Join(dir, "dead_letters", "email")
	os.MkdirAll(emailDir, 0755)
	os.MkdirAll(filepath.Join(dir, "dead_letters", "sms"), 0755)
	os.WriteFile(filepath.Join(emailDir, "a.yaml"), []byte("x: 1\n"), 0644)
	os.WriteFile(filepath.Join(emailDir, "b.yaml"), []byte("x: 1\n"), 0644)
	os.WriteFile(filepath.Join(emailDir, ".jobs-tmp-1.yaml"), []byte("x: 1\n"), 0644)

	got := countDeadLetters(dir)
	if len(got) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(got))
	}
	if got[0].Topic != "email" || got[0].Count != 2 {
		t.Errorf("got %+v", got[0])
	}

	if n := countDeadLetters(filepath.Join(dir, "missing")); n != nil {
		t.Errorf("expected nil for missing dir, got %v", n)
	}
}

func TestBuild(t *testing.T) {
	r := Build(sampleSnapshot(), t.TempDir())
	if r.Master.PID != 100 || r.Master.State != "running" {
		t.Errorf("master: %+v", r.Master)
	}
	if len(r.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(r.Workers))
	}
	if r.Workers[1].Uptime != "1m30s" {
		t.Errorf("uptime: got %q", r.Workers[1].Uptime)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Build(sampleSnapshot(), t.TempDir()))
	out := buf.String()

	for _, want := range []string{
		"Master: pid=100 state=running",
		"System: load average: 0.10, 0.20, 0.30",
		"Memory: 12.00 MB",
		"delayer",
		"email",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrint_NoWorkers(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Report{Master: MasterStatus{PID: 1, State: "stopping"}})
	if !strings.Contains(buf.String(), "Workers: none") {
		t.Errorf("got:\n%s", buf.String())
	}
}

func TestRun_JSON(t *testing.T) {
	store := state.NewStore(t.TempDir())
	if err := store.WriteStatus(sampleSnapshot()); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	var buf bytes.Buffer
	if err := Run(store, &buf, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var r Report
	if err := json.Unmarshal(buf.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Master.PID != 100 || len(r.Workers) != 2 {
		t.Errorf("got %+v", r)
	}
}

func TestRun_MissingStatus(t *testing.T) {
	if err := Run(state.NewStore(t.TempDir()), &bytes.Buffer{}, false); err == nil {
		t.Fatal("expected error for missing status.info")
	}
}
