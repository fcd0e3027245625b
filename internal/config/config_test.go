package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.DownloadSizeCapBytes != 524288000 {
		t.Errorf("size cap = %d", cfg.DownloadSizeCapBytes)
	}
	if cfg.DownloadDurationCap() != 10*time.Minute {
		t.Errorf("duration cap = %s", cfg.DownloadDurationCap())
	}
	if cfg.RetentionTTL() != 24*time.Hour {
		t.Errorf("retention = %s", cfg.RetentionTTL())
	}
	if cfg.WorkerCount <= 0 {
		t.Errorf("worker count = %d", cfg.WorkerCount)
	}
	if cfg.EventRetentionCount != 256 {
		t.Errorf("event retention = %d", cfg.EventRetentionCount)
	}
	if len(cfg.Platforms) == 0 {
		t.Error("platform allowlist is empty")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REPACK_BIND_ADDR", ":9999")
	t.Setenv("REPACK_WORKER_COUNT", "3")
	t.Setenv("REPACK_DOWNLOAD_SIZE_CAP", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Errorf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.WorkerCount != 3 {
		t.Errorf("worker count = %d", cfg.WorkerCount)
	}
	if cfg.DownloadSizeCapBytes != 1024 {
		t.Errorf("size cap = %d", cfg.DownloadSizeCapBytes)
	}
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("REPACK_WORKER_COUNT", "many")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric override")
	}
}

func TestPlatformAllowed(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.PlatformAllowed("") {
		t.Error("empty platform (host) must be allowed")
	}
	if !cfg.PlatformAllowed("manylinux2014_x86_64") {
		t.Error("allowlisted platform rejected")
	}
	if cfg.PlatformAllowed("win16") {
		t.Error("off-list platform accepted")
	}
}
