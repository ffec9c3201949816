package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ReportsConfig struct {
	Directory string `yaml:"directory"`
	// FontPath points at a TTF font; PDF export is unavailable without it.
	FontPath string `yaml:"font_path"`
}

// ToolConfig controls how one external analyzer binary is invoked.
type ToolConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

type ScannerConfig struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	// CloneDepth applies to scans whose own config leaves the depth at 0.
	// 0 here clones full history.
	CloneDepth int `yaml:"clone_depth"`

	Git      ToolConfig `yaml:"git"`
	Trivy    ToolConfig `yaml:"trivy"`
	Semgrep  ToolConfig `yaml:"semgrep"`
	Gitleaks ToolConfig `yaml:"gitleaks"`
	Nuclei   ToolConfig `yaml:"nuclei"`
}

// Binaries maps each default analyzer binary name to the configured one.
func (c ScannerConfig) Binaries() map[string]string {
	return map[string]string{
		"git":      c.Git.Binary,
		"trivy":    c.Trivy.Binary,
		"semgrep":  c.Semgrep.Binary,
		"gitleaks": c.Gitleaks.Binary,
		"nuclei":   c.Nuclei.Binary,
	}
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Timezone is an IANA name; empty means the process local zone.
	Timezone string `yaml:"timezone"`
}

type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

type GitHubConfig struct {
	// Token is the fallback used when the settings row carries none.
	Token string `yaml:"token"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Reports   ReportsConfig   `yaml:"reports"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workers   WorkersConfig   `yaml:"workers"`
	GitHub    GitHubConfig    `yaml:"github"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "spectra.db",
		},
		Reports: ReportsConfig{
			Directory: "./reports",
		},
		Scanner: ScannerConfig{
			WorkspaceDir: os.TempDir(),
			Git:          ToolConfig{Binary: "git", Timeout: 10 * time.Minute},
			Trivy:        ToolConfig{Binary: "trivy", Timeout: 20 * time.Minute},
			Semgrep:      ToolConfig{Binary: "semgrep", Timeout: 30 * time.Minute},
			Gitleaks:     ToolConfig{Binary: "gitleaks", Timeout: 15 * time.Minute},
			Nuclei:       ToolConfig{Binary: "nuclei", Timeout: 60 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Workers: WorkersConfig{
			Count:     2,
			QueueSize: 64,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SPECTRA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SPECTRA_WORKSPACE_DIR"); v != "" {
		cfg.Scanner.WorkspaceDir = v
	}
	if v := os.Getenv("SPECTRA_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SPECTRA_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("GITHUB_PAT"); v != "" {
		cfg.GitHub.Token = v
	}
	return nil
}

// Validate rejects settings the scheduler and worker pool cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("workers.queue_size must be at least 1")
	}
	if c.Scanner.CloneDepth < 0 {
		return fmt.Errorf("scanner.clone_depth cannot be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
