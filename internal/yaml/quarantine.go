package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt file into <dataDir>/quarantine for later inspection.
func Quarantine(dataDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dataDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with its .bak copy when the backup carries
// a valid header of the expected file type.
func RestoreFromBackup(filePath, expectedFileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, expectedFileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// Recover quarantines a corrupt file and tries to restore the previous version.
// It reports whether a usable file is in place afterwards.
func Recover(dataDir, filePath, expectedFileType string) (bool, error) {
	if _, err := Quarantine(dataDir, filePath); err != nil {
		return false, err
	}
	if err := RestoreFromBackup(filePath, expectedFileType); err != nil {
		return false, nil
	}
	return true, nil
}
