package yaml

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSchemaHeader_AllFileTypes(t *testing.T) {
	for _, ft := range []string{FileTypeMasterInfo, FileTypeStatusInfo, FileTypeSpoolJob, FileTypeDeadLetter} {
		t.Run(ft, func(t *testing.T) {
			content := []byte("schema_version: 1\nfile_type: " + ft + "\n")
			if err := ValidateSchemaHeaderFromBytes(content, ft); err != nil {
				t.Errorf("expected valid for %q, got error: %v", ft, err)
			}
		})
	}
}

func TestValidateSchemaHeader_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unsupported version", "schema_version: 99\nfile_type: master_info\n", "master_info"},
		{"missing version", "file_type: master_info\n", "master_info"},
		{"missing file type", "schema_version: 1\n", ""},
		{"unknown file type", "schema_version: 1\nfile_type: bogus\n", ""},
		{"mismatch", "schema_version: 1\nfile_type: status_info\n", "master_info"},
		{"not yaml", "schema_version: [\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.want); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.info")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: master_info\npid: 77\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var v struct {
		PID int `yaml:"pid"`
	}
	if err := ReadFile(path, FileTypeMasterInfo, &v); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if v.PID != 77 {
		t.Errorf("pid: got %d, want 77", v.PID)
	}

	if err := ReadFile(path, FileTypeStatusInfo, &v); err == nil {
		t.Error("expected file_type mismatch error")
	}
}
