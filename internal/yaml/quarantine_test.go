package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestQuarantine(t *testing.T) {
	dataDir := t.TempDir()
	filePath := filepath.Join(dataDir, "master.info")
	os.WriteFile(filePath, []byte("corrupted: [\n"), 0644)

	dst, err := Quarantine(dataDir, filePath)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("original file should be removed after quarantine")
	}
	if !strings.HasPrefix(filepath.Base(dst), "master.info.") || !strings.HasSuffix(dst, ".corrupt") {
		t.Errorf("unexpected quarantine filename: %s", dst)
	}
}

func TestRecover_RestoresFromBackup(t *testing.T) {
	dataDir := t.TempDir()
	filePath := filepath.Join(dataDir, "master.info")
	valid := []byte("schema_version: 1\nfile_type: master_info\npid: 12\n")
	os.WriteFile(filePath+".bak", valid, 0644)
	os.WriteFile(filePath, []byte("pid: [\n"), 0644)

	ok, err := Recover(dataDir, filePath, FileTypeMasterInfo)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !ok {
		t.Fatal("expected restore from backup")
	}
	content, _ := os.ReadFile(filePath)
	if string(content) != string(valid) {
		t.Errorf("restored content: got %q", content)
	}
}

func TestRecover_NoBackup(t *testing.T) {
	dataDir := t.TempDir()
	filePath := filepath.Join(dataDir, "status.info")
	os.WriteFile(filePath, []byte("garbage: [\n"), 0644)

	ok, err := Recover(dataDir, filePath, FileTypeStatusInfo)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if ok {
		t.Error("expected no restore without a backup")
	}
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("corrupt file should be gone")
	}
}
