package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultGatewayPort    = 18790
	DefaultBridgePort     = 18791
	DefaultWorkerPort     = 18792
	DefaultChannel        = "whatsapp"
	DefaultPollInterval   = "15s"
	DefaultStatusInterval = "30s"
	DefaultLeaseTTL       = "10m"
	DefaultSweepInterval  = "1m"
	DefaultSearchLimit    = 100
	DefaultWorkerTimeout  = "60s"
	DefaultWorkerRetries  = 3
	DefaultSendRPS        = 1.0
	DefaultSendBurst      = 3
	DefaultArchiveMode    = "async"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultLogMaxSizeMB   = 50
	DefaultLogMaxBackups  = 5
	DefaultLogMaxAgeDays  = 28
)

type Config struct {
	Store    StoreConfig    `json:"store" yaml:"store"`
	Inbox    InboxConfig    `json:"inbox" yaml:"inbox"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type StoreConfig struct {
	DBPath  string `json:"dbPath" yaml:"dbPath" validate:"required"`
	BlobDir string `json:"blobDir" yaml:"blobDir" validate:"required"`
}

type InboxConfig struct {
	Channel        string `json:"channel" yaml:"channel" validate:"required"`
	PollInterval   string `json:"pollInterval" yaml:"pollInterval"`
	StatusInterval string `json:"statusInterval" yaml:"statusInterval"`
	LeaseTTL       string `json:"leaseTTL" yaml:"leaseTTL"`
	SweepInterval  string `json:"sweepInterval" yaml:"sweepInterval"`
	SearchLimit    int    `json:"searchLimit" yaml:"searchLimit" validate:"gt=0,max=1000"`
	ArchiveMode    string `json:"archiveMode" yaml:"archiveMode" validate:"oneof=async sync"`
}

type WorkerConfig struct {
	URL        string `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Timeout    string `json:"timeout" yaml:"timeout"`
	MaxRetries int    `json:"maxRetries" yaml:"maxRetries" validate:"min=0,max=10"`
}

type BridgeConfig struct {
	URL       string  `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	Host      string  `json:"host" yaml:"host"`
	Port      int     `json:"port" yaml:"port" validate:"min=1,max=65535"`
	SendRPS   float64 `json:"sendRps" yaml:"sendRps" validate:"gt=0"`
	SendBurst int     `json:"sendBurst" yaml:"sendBurst" validate:"min=1"`
}

type WhatsAppConfig struct {
	StorePath string   `json:"storePath,omitempty" yaml:"storePath,omitempty"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `json:"format" yaml:"format" validate:"oneof=console json"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Store: StoreConfig{
			DBPath:  filepath.Join(dir, "data", "inbox.db"),
			BlobDir: filepath.Join(dir, "data", "blobs"),
		},
		Inbox: InboxConfig{
			Channel:        DefaultChannel,
			PollInterval:   DefaultPollInterval,
			StatusInterval: DefaultStatusInterval,
			LeaseTTL:       DefaultLeaseTTL,
			SweepInterval:  DefaultSweepInterval,
			SearchLimit:    DefaultSearchLimit,
			ArchiveMode:    DefaultArchiveMode,
		},
		Worker: WorkerConfig{
			Host:       DefaultHost,
			Port:       DefaultWorkerPort,
			Timeout:    DefaultWorkerTimeout,
			MaxRetries: DefaultWorkerRetries,
		},
		Bridge: BridgeConfig{
			Host:      DefaultHost,
			Port:      DefaultBridgePort,
			SendRPS:   DefaultSendRPS,
			SendBurst: DefaultSendBurst,
		},
		WhatsApp: WhatsAppConfig{
			StorePath: filepath.Join(dir, "whatsapp.db"),
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultGatewayPort,
		},
		Log: LogConfig{
			Level:      DefaultLogLevel,
			Format:     DefaultLogFormat,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".inboxd")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// YAMLConfigPath is consulted when config.json does not exist.
func YAMLConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// WorkerURL is the address the gateway dispatches async archives to.
func (c *Config) WorkerURL() string {
	if c.Worker.URL != "" {
		return strings.TrimRight(c.Worker.URL, "/")
	}
	return fmt.Sprintf("http://%s:%d", loopback(c.Worker.Host), c.Worker.Port)
}

// BridgeURL is the address of the messaging bridge HTTP API.
func (c *Config) BridgeURL() string {
	if c.Bridge.URL != "" {
		return strings.TrimRight(c.Bridge.URL, "/")
	}
	return fmt.Sprintf("http://%s:%d", loopback(c.Bridge.Host), c.Bridge.Port)
}

func loopback(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		yamlData, yerr := os.ReadFile(YAMLConfigPath())
		if yerr != nil && !os.IsNotExist(yerr) {
			return nil, fmt.Errorf("read config: %w", yerr)
		}
		if yerr == nil {
			if err := yaml.Unmarshal(yamlData, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Environment variable overrides
	if v := os.Getenv("INBOXD_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("INBOXD_BLOB_DIR"); v != "" {
		cfg.Store.BlobDir = v
	}
	if v := os.Getenv("INBOXD_WORKER_URL"); v != "" {
		cfg.Worker.URL = v
	}
	if v := os.Getenv("INBOXD_BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("INBOXD_ARCHIVE_MODE"); v != "" {
		cfg.Inbox.ArchiveMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("INBOXD_GATEWAY_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if v := os.Getenv("INBOXD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("INBOXD_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("INBOXD_WHATSAPP_ALLOW_FROM"); v != "" {
		cfg.WhatsApp.AllowFrom = splitList(v)
	}

	defaults := DefaultConfig()
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = defaults.Store.DBPath
	}
	if cfg.Store.BlobDir == "" {
		cfg.Store.BlobDir = defaults.Store.BlobDir
	}
	if cfg.Inbox.Channel == "" {
		cfg.Inbox.Channel = DefaultChannel
	}
	if cfg.Inbox.SearchLimit <= 0 {
		cfg.Inbox.SearchLimit = DefaultSearchLimit
	}
	if cfg.Inbox.ArchiveMode == "" {
		cfg.Inbox.ArchiveMode = DefaultArchiveMode
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and that every duration string parses.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	durations := map[string]string{
		"inbox.pollInterval":   c.Inbox.PollInterval,
		"inbox.statusInterval": c.Inbox.StatusInterval,
		"inbox.leaseTTL":       c.Inbox.LeaseTTL,
		"inbox.sweepInterval":  c.Inbox.SweepInterval,
		"worker.timeout":       c.Worker.Timeout,
	}
	for field, raw := range durations {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("invalid config: %s %q is not a positive duration", field, raw)
		}
	}
	return nil
}

// Duration parses s, falling back to def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
