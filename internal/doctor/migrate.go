package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/promethea/promethea/internal/config"
)

// MigrateReport is the outcome of one self-repair attempt.
type MigrateReport struct {
	Status string `json:"status"` // ok | migrated | error
	Backup string `json:"backup,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// BackupConfig writes a timestamped copy of the config file next to the
// original and returns its path.
func BackupConfig(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("config path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	backupPath := fmt.Sprintf("%s.bak-%s", path, time.Now().Format("20060102-150405"))
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(backupPath, data, info.Mode().Perm()); err != nil {
		return "", err
	}
	return backupPath, nil
}

// MigrateConfig checks whether the system config file is strict JSON.
// A file that only parses through the lenient loader (JSON5, YAML) is
// backed up and rewritten canonically; a file that does not parse at
// all is reported, never touched.
func (s *Service) MigrateConfig(ctx context.Context) MigrateReport {
	path := s.opts.SystemConfigPath
	if path == "" {
		return MigrateReport{Status: StatusOK, Detail: "no system config file configured"}
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return MigrateReport{Status: StatusOK, Detail: "no system config file present"}
	}
	if err != nil {
		return MigrateReport{Status: StatusError, Detail: err.Error()}
	}

	var strict map[string]any
	if json.Unmarshal(data, &strict) == nil {
		return MigrateReport{Status: StatusOK}
	}

	tree, err := config.LoadFile(path)
	if err != nil {
		return MigrateReport{Status: StatusError, Detail: "config does not parse in any supported format: " + err.Error()}
	}

	backup, err := BackupConfig(path)
	if err != nil {
		return MigrateReport{Status: StatusError, Detail: "backup failed: " + err.Error()}
	}

	canonical, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return MigrateReport{Status: StatusError, Backup: backup, Detail: err.Error()}
	}
	if err := os.WriteFile(path, append(canonical, '\n'), 0o644); err != nil {
		return MigrateReport{Status: StatusError, Backup: backup, Detail: err.Error()}
	}

	if s.opts.Config != nil {
		if err := s.opts.Config.Reload(ctx); err != nil {
			return MigrateReport{Status: StatusError, Backup: backup, Detail: "rewritten config failed to load: " + err.Error()}
		}
	}
	s.log.Info(ctx, "migrated system config to canonical JSON", "path", path, "backup", backup)
	return MigrateReport{Status: "migrated", Backup: backup}
}
