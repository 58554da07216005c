package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
listen: ":9090"
request_timeout: 2s
storage:
  driver: sqlite
  sqlite_path: /var/lib/biomarkerkb/registry.db
sweep:
  staleness: 15m
  interval: 1m
archive:
  driver: s3
  s3:
    bucket: registry-reports
    region: eu-west-1
    path_style: true
namespaces:
  - name: biomarker
    prefix: BM-
    width: 6
  - name: glycan
    prefix: GLY-
    width: 4
    checksum: luhn
`

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GetListen() != ":9090" {
		t.Fatalf("unexpected listen %q", cfg.GetListen())
	}
	if cfg.GetRequestTimeout() != 2*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.GetRequestTimeout())
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "/var/lib/biomarkerkb/registry.db" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Sweep.GetStaleness() != 15*time.Minute || cfg.Sweep.GetInterval() != time.Minute {
		t.Fatalf("unexpected sweep %+v", cfg.Sweep)
	}
	if cfg.Archive.Driver != "s3" || cfg.Archive.S3.Bucket != "registry-reports" || !cfg.Archive.S3.PathStyle {
		t.Fatalf("unexpected archive %+v", cfg.Archive)
	}
	if len(cfg.Namespaces) != 2 {
		t.Fatalf("unexpected namespaces %+v", cfg.Namespaces)
	}
	if cfg.Namespaces[1].Namespace != "glycan" || cfg.Namespaces[1].Checksum != "luhn" {
		t.Fatalf("unexpected namespace entry %+v", cfg.Namespaces[1])
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "namespaces:\n  - name: biomarker\n    prefix: BM-\n    width: 6\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GetListen() != DefaultListen {
		t.Fatalf("expected default listen, got %q", cfg.GetListen())
	}
	if cfg.GetRequestTimeout() != DefaultRequestTimeout {
		t.Fatalf("expected default timeout, got %v", cfg.GetRequestTimeout())
	}
	if cfg.Sweep.GetStaleness() != DefaultStaleness || cfg.Sweep.GetInterval() != DefaultSweepInterval {
		t.Fatalf("expected default sweep timings, got %+v", cfg.Sweep)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BIOMARKERKB_LISTEN", ":7070")
	t.Setenv("BIOMARKERKB_STORAGE_DRIVER", "memory")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GetListen() != ":7070" {
		t.Fatalf("env listen override lost, got %q", cfg.GetListen())
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("env driver override lost, got %q", cfg.Storage.Driver)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"no namespaces":    "listen: \":8080\"\n",
		"unnamed entry":    "namespaces:\n  - prefix: BM-\n    width: 6\n",
		"bad duration":     "request_timeout: soon\nnamespaces:\n  - name: b\n    prefix: B-\n    width: 3\n",
		"bad sweep timing": "sweep:\n  staleness: never\nnamespaces:\n  - name: b\n    prefix: B-\n    width: 3\n",
		"not yaml":         "{{{",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
