package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"INBOXD_DB_PATH", "INBOXD_BLOB_DIR", "INBOXD_WORKER_URL", "INBOXD_BRIDGE_URL",
		"INBOXD_ARCHIVE_MODE", "INBOXD_GATEWAY_PORT", "INBOXD_LOG_LEVEL", "INBOXD_LOG_FILE",
		"INBOXD_WHATSAPP_ALLOW_FROM",
	} {
		t.Setenv(key, "")
	}
}

func withHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	// keep a stray .env in the package dir from leaking in
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	clearEnv(t)
	return tmpDir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Gateway.Port != DefaultGatewayPort {
		t.Errorf("gateway port = %d, want %d", cfg.Gateway.Port, DefaultGatewayPort)
	}
	if cfg.Inbox.Channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", cfg.Inbox.Channel, DefaultChannel)
	}
	if cfg.Inbox.SearchLimit != DefaultSearchLimit {
		t.Errorf("searchLimit = %d, want %d", cfg.Inbox.SearchLimit, DefaultSearchLimit)
	}
	if cfg.Inbox.ArchiveMode != "async" {
		t.Errorf("archiveMode = %q, want async", cfg.Inbox.ArchiveMode)
	}
	if cfg.Store.DBPath == "" || cfg.Store.BlobDir == "" {
		t.Error("store paths should not be empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	home := withHome(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	want := filepath.Join(home, ".inboxd", "data", "inbox.db")
	if cfg.Store.DBPath != want {
		t.Errorf("dbPath = %q, want %q", cfg.Store.DBPath, want)
	}
}

func TestLoadConfig_JSONFile(t *testing.T) {
	home := withHome(t)
	dir := filepath.Join(home, ".inboxd")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	raw := map[string]any{
		"inbox":   map[string]any{"archiveMode": "sync", "searchLimit": 25},
		"gateway": map[string]any{"port": 9000},
	}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Inbox.ArchiveMode != "sync" {
		t.Errorf("archiveMode = %q, want sync", cfg.Inbox.ArchiveMode)
	}
	if cfg.Inbox.SearchLimit != 25 {
		t.Errorf("searchLimit = %d, want 25", cfg.Inbox.SearchLimit)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
	// untouched sections keep defaults
	if cfg.Worker.MaxRetries != DefaultWorkerRetries {
		t.Errorf("maxRetries = %d, want %d", cfg.Worker.MaxRetries, DefaultWorkerRetries)
	}
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	home := withHome(t)
	dir := filepath.Join(home, ".inboxd")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	yamlBody := "inbox:\n  leaseTTL: 5m\nbridge:\n  url: http://bridge.local:9999/\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlBody), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Inbox.LeaseTTL != "5m" {
		t.Errorf("leaseTTL = %q, want 5m", cfg.Inbox.LeaseTTL)
	}
	if got := cfg.BridgeURL(); got != "http://bridge.local:9999" {
		t.Errorf("BridgeURL = %q", got)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	withHome(t)
	t.Setenv("INBOXD_DB_PATH", "/tmp/x.db")
	t.Setenv("INBOXD_ARCHIVE_MODE", "SYNC")
	t.Setenv("INBOXD_GATEWAY_PORT", "7001")
	t.Setenv("INBOXD_WHATSAPP_ALLOW_FROM", " 123 , ,456")
	t.Setenv("INBOXD_WORKER_URL", "http://worker:1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Store.DBPath != "/tmp/x.db" {
		t.Errorf("dbPath = %q", cfg.Store.DBPath)
	}
	if cfg.Inbox.ArchiveMode != "sync" {
		t.Errorf("archiveMode = %q", cfg.Inbox.ArchiveMode)
	}
	if cfg.Gateway.Port != 7001 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if len(cfg.WhatsApp.AllowFrom) != 2 || cfg.WhatsApp.AllowFrom[1] != "456" {
		t.Errorf("allowFrom = %v", cfg.WhatsApp.AllowFrom)
	}
	if cfg.WorkerURL() != "http://worker:1" {
		t.Errorf("WorkerURL = %q", cfg.WorkerURL())
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	home := withHome(t)
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("INBOXD_LOG_LEVEL=debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables that are already set, even when empty
	if err := os.Unsetenv("INBOXD_LOG_LEVEL"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("INBOXD_LOG_LEVEL") })

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfig_InvalidMode(t *testing.T) {
	withHome(t)
	t.Setenv("INBOXD_ARCHIVE_MODE", "later")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected validation error for archive mode")
	}
}

func TestValidate_BadDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inbox.PollInterval = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Second},
		{"15s", 15 * time.Second},
		{"bogus", time.Second},
		{"-5s", time.Second},
	}
	for _, tc := range cases {
		if got := Duration(tc.in, time.Second); got != tc.want {
			t.Errorf("Duration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDefaultURLs(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.WorkerURL(); got != "http://127.0.0.1:18792" {
		t.Errorf("WorkerURL = %q", got)
	}
	cfg.Bridge.Host = "10.0.0.5"
	if got := cfg.BridgeURL(); got != "http://10.0.0.5:18791" {
		t.Errorf("BridgeURL = %q", got)
	}
}

func TestSaveConfig(t *testing.T) {
	home := withHome(t)
	cfg := DefaultConfig()
	cfg.Gateway.Port = 12345
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, ".inboxd", "config.json"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if loaded.Gateway.Port != 12345 {
		t.Errorf("saved port = %d", loaded.Gateway.Port)
	}
}
