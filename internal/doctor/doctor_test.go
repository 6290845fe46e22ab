package doctor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/memory"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/store"
)

func TestRunReportsEveryCheck(t *testing.T) {
	svc := New(Options{
		Store: store.NewMemoryStore(),
		Memory: memory.NewService(memory.NewMemStore(), func() config.MemoryConfig {
			return config.Defaults().Memory
		}, observability.NewNopLogger(), nil, nil),
	})

	checks := svc.Run(context.Background())

	for _, name := range []string{"config", "storage", "memory", "llm", "bus", "scheduler"} {
		if _, ok := checks[name]; !ok {
			t.Errorf("missing check %q", name)
		}
	}
	if checks["storage"].Status != StatusOK {
		t.Errorf("storage = %+v, want ok", checks["storage"])
	}
	if checks["memory"].Status != StatusOK {
		t.Errorf("memory = %+v, want ok", checks["memory"])
	}
	// No config service wired, so the llm check cannot pass.
	if checks["llm"].Status == StatusOK {
		t.Errorf("llm = %+v, want degraded", checks["llm"])
	}
}

func TestCheckConfigFlagsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not valid at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := New(Options{SystemConfigPath: path})
	if got := svc.checkConfig(); got.Status != StatusError {
		t.Errorf("checkConfig = %+v, want error", got)
	}
}

func TestBackupConfigCopiesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9999}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	backup, err := BackupConfig(path)
	if err != nil {
		t.Fatalf("BackupConfig: %v", err)
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(data) != `{"server":{"port":9999}}` {
		t.Errorf("backup content = %q", data)
	}
}

func TestMigrateConfigLeavesStrictJSONAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9999}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := New(Options{SystemConfigPath: path})
	report := svc.MigrateConfig(context.Background())
	if report.Status != StatusOK {
		t.Fatalf("report = %+v, want ok", report)
	}
	if report.Backup != "" {
		t.Errorf("no-op migration produced backup %q", report.Backup)
	}
}

func TestMigrateConfigRewritesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	src := "{\n  // local override\n  server: {port: 9999},\n}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := New(Options{SystemConfigPath: path})
	report := svc.MigrateConfig(context.Background())
	if report.Status != "migrated" {
		t.Fatalf("report = %+v, want migrated", report)
	}
	if report.Backup == "" {
		t.Fatal("migration did not record a backup")
	}

	backup, err := os.ReadFile(report.Backup)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != src {
		t.Errorf("backup does not preserve the original: %q", backup)
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var tree map[string]any
	if err := json.Unmarshal(rewritten, &tree); err != nil {
		t.Fatalf("rewritten config is not strict JSON: %v", err)
	}
	server, _ := tree["server"].(map[string]any)
	if port, _ := server["port"].(float64); port != 9999 {
		t.Errorf("port = %v after rewrite, want 9999", server["port"])
	}
}

func TestMigrateConfigReportsUnparseableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{{{{"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := New(Options{SystemConfigPath: path})
	report := svc.MigrateConfig(context.Background())
	if report.Status != StatusError {
		t.Fatalf("report = %+v, want error", report)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{{{{" {
		t.Errorf("unparseable file was modified: %q", data)
	}
}
