// Package setup lays out a new job engine project.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/jobs/internal/config"
	atomicyaml "github.com/msageha/jobs/internal/yaml"
	"github.com/msageha/jobs/templates"
)

// Run creates conf/config.yaml from the embedded template plus the log and
// data directories it names. It refuses to overwrite an existing config.
func Run(projectDir string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	confPath := filepath.Join(absDir, config.DefaultPath)
	if _, err := os.Stat(confPath); err == nil {
		return "", fmt.Errorf("%s already exists", confPath)
	}

	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse config template: %w", err)
	}
	config.ApplyDefaults(&cfg, filepath.Dir(confPath))
	if err := config.Validate(cfg); err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}

	dirs := []string{cfg.Log.LogDir, cfg.Process.DataDir}
	if dir, ok := cfg.Queue.Options["dir"].(string); ok {
		dirs = append(dirs, dir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(confPath), 0755); err != nil {
		return "", fmt.Errorf("create conf dir: %w", err)
	}
	// Written verbatim to keep the comments.
	if err := atomicyaml.AtomicWriteRaw(confPath, data); err != nil {
		return "", fmt.Errorf("write %s: %w", config.DefaultPath, err)
	}
	return confPath, nil
}
