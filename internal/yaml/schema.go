package yaml

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeMasterInfo = "master_info"
	FileTypeStatusInfo = "status_info"
	FileTypeSpoolJob   = "spool_job"
	FileTypeDeadLetter = "dead_letter"
)

var validFileTypes = map[string]bool{
	FileTypeMasterInfo: true,
	FileTypeStatusInfo: true,
	FileTypeSpoolJob:   true,
	FileTypeDeadLetter: true,
}

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if header.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[header.FileType] {
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	}
	if expectedFileType != "" && header.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}

	return nil
}

// ReadFile validates the schema header of path and decodes it into v.
func ReadFile(path, expectedFileType string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateSchemaHeaderFromBytes(content, expectedFileType); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}
