// Package state persists the master's control-plane files: master.info,
// which identifies the running master, and status.info, the latest status dump.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/msageha/jobs/internal/model"
	yamlutil "github.com/msageha/jobs/internal/yaml"
)

const (
	MasterFile = "master.info"
	StatusFile = "status.info"
	LockFile   = "master.lock"
)

// ErrNoMaster is returned when master.info does not exist.
var ErrNoMaster = errors.New("no master info")

type Store struct {
	dir string
}

func NewStore(dataDir string) *Store {
	return &Store{dir: dataDir}
}

func (s *Store) Dir() string        { return s.dir }
func (s *Store) MasterPath() string { return filepath.Join(s.dir, MasterFile) }
func (s *Store) StatusPath() string { return filepath.Join(s.dir, StatusFile) }
func (s *Store) LockPath() string   { return filepath.Join(s.dir, LockFile) }

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// ReadMaster loads master.info. A corrupt file is restored from its backup
// when possible, otherwise quarantined and reported as ErrNoMaster.
func (s *Store) ReadMaster() (*model.MasterInfo, error) {
	path := s.MasterPath()
	var info model.MasterInfo
	err := yamlutil.ReadFile(path, yamlutil.FileTypeMasterInfo, &info)
	if err == nil {
		return &info, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoMaster
	}

	restored, rerr := yamlutil.Recover(s.dir, path, yamlutil.FileTypeMasterInfo)
	if rerr != nil {
		return nil, fmt.Errorf("recover %s: %w", MasterFile, rerr)
	}
	if !restored {
		return nil, ErrNoMaster
	}
	if err := yamlutil.ReadFile(path, yamlutil.FileTypeMasterInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Store) WriteMaster(info *model.MasterInfo) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	out := *info
	out.SchemaVersion = yamlutil.CurrentSchemaVersion
	out.FileType = yamlutil.FileTypeMasterInfo
	if out.StartedAt.IsZero() {
		out.StartedAt = time.Now().UTC()
	}
	return yamlutil.AtomicWrite(s.MasterPath(), &out)
}

// RemoveMaster deletes master.info and its backup. Missing files are not an error.
func (s *Store) RemoveMaster() error {
	for _, p := range []string{s.MasterPath(), s.MasterPath() + ".bak"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func (s *Store) WriteStatus(snap *model.StatusSnapshot) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	out := *snap
	out.SchemaVersion = yamlutil.CurrentSchemaVersion
	out.FileType = yamlutil.FileTypeStatusInfo
	return yamlutil.AtomicWrite(s.StatusPath(), &out)
}

func (s *Store) ReadStatus() (*model.StatusSnapshot, error) {
	var snap model.StatusSnapshot
	if err := yamlutil.ReadFile(s.StatusPath(), yamlutil.FileTypeStatusInfo, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// MemoryUsage reports memory obtained from the OS by this process, in MB.
func MemoryUsage() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024)
}
