// Package config holds the run configuration: YAML file values with
// CLI flag overrides, defaults, and up-front validation so bad input
// fails before any rule is processed.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	FMC     FMCConfig     `yaml:"fmc"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Report  ReportConfig  `yaml:"report"`
	Logging LogConfig     `yaml:"logging"`
}

type FMCConfig struct {
	Host      string `yaml:"host"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Device    string `yaml:"device"`
	Timeout   string `yaml:"timeout"`    // duration, e.g. "10s"
	PageLimit int    `yaml:"page_limit"` // API page size
	VerifyTLS bool   `yaml:"verify_tls"`
}

type CleanupConfig struct {
	MaxRules        int      `yaml:"max_rules"`
	DryRun          bool     `yaml:"dry_run"`
	ExcludeZones    []string `yaml:"exclude_zones"`
	ExcludePrefixes []string `yaml:"exclude_prefixes"`
	PrefixMatchMode string   `yaml:"prefix_match_mode"` // overlap | subnet
	YearThreshold   int      `yaml:"year_threshold"`    // 0 means previous year
	RuleActions     []string `yaml:"rule_actions"`
}

type ReportConfig struct {
	File         string `yaml:"file"`
	DisabledFile string `yaml:"disabled_file"`
	AuditDB      string `yaml:"audit_db"` // MariaDB DSN, empty disables
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the YAML config file. An empty path yields a config of
// pure defaults for flag-only invocations.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.SetDefaults(time.Now())
	return &cfg, nil
}

// SetDefaults fills unset values. The year threshold defaults to the
// previous calendar year, recomputed at run start.
func (c *Config) SetDefaults(now time.Time) {
	if c.FMC.Timeout == "" {
		c.FMC.Timeout = "10s"
	}
	if c.FMC.PageLimit == 0 {
		c.FMC.PageLimit = 500
	}
	if c.Cleanup.MaxRules == 0 {
		c.Cleanup.MaxRules = 1000
	}
	if c.Cleanup.PrefixMatchMode == "" {
		c.Cleanup.PrefixMatchMode = "overlap"
	}
	if c.Cleanup.YearThreshold == 0 {
		c.Cleanup.YearThreshold = now.Year() - 1
	}
	if len(c.Cleanup.RuleActions) == 0 {
		c.Cleanup.RuleActions = []string{"ALLOW"}
	}
	if c.Report.File == "" {
		c.Report.File = "report.csv"
	}
	if c.Report.DisabledFile == "" {
		c.Report.DisabledFile = "disabled.csv"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// Validate rejects unusable configuration. Excluded prefixes are
// validated separately when the PrefixSet is parsed.
func (c *Config) Validate() error {
	if c.FMC.Host == "" {
		return fmt.Errorf("fmc host is required")
	}
	if c.FMC.Username == "" || c.FMC.Password == "" {
		return fmt.Errorf("fmc username and password are required")
	}
	if c.FMC.Device == "" {
		return fmt.Errorf("target device name is required")
	}
	if _, err := time.ParseDuration(c.FMC.Timeout); err != nil {
		return fmt.Errorf("invalid timeout %q: %w", c.FMC.Timeout, err)
	}
	if c.FMC.PageLimit < 1 {
		return fmt.Errorf("page limit must be positive")
	}
	if c.Cleanup.MaxRules < 0 {
		return fmt.Errorf("max rules must not be negative")
	}
	if c.Cleanup.PrefixMatchMode != "overlap" && c.Cleanup.PrefixMatchMode != "subnet" {
		return fmt.Errorf("prefix match mode must be 'overlap' or 'subnet', got %q", c.Cleanup.PrefixMatchMode)
	}
	for _, action := range c.Cleanup.RuleActions {
		if action != "ALLOW" && action != "BLOCK" {
			return fmt.Errorf("rule action must be ALLOW or BLOCK, got %q", action)
		}
	}
	return nil
}

// TimeoutDuration returns the parsed API timeout. Validate must have
// accepted the config first.
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.FMC.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
