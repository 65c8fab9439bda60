package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\ndata_root: /tmp/vd\nsession_ttl: 30s\ninference_workers: 2\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.DataRoot != "/tmp/vd" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.SessionTTL.Std() != 30*time.Second {
		t.Fatalf("session_ttl = %v", cfg.SessionTTL.Std())
	}
	// Unset fields keep defaults.
	if cfg.ModelIdleTimeout.Std() != 15*time.Minute {
		t.Fatalf("model_idle_timeout default lost: %v", cfg.ModelIdleTimeout.Std())
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","data_root":"/d","inference_timeout":"90s"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.InferenceTimeout.Std() != 90*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\ndata_root=\"/x\"\nworker_poll_interval=\"250ms\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.WorkerPollInterval.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.InferenceWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero inference_workers")
	}
	cfg = Default()
	cfg.DataRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty data_root")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = "/srv/visiond"
	if got := cfg.StorePath(); got != filepath.Join("/srv/visiond", "visiond.db") {
		t.Fatalf("StorePath = %q", got)
	}
	if got := cfg.JobsDir(); got != filepath.Join("/srv/visiond", "jobs") {
		t.Fatalf("JobsDir = %q", got)
	}
}
