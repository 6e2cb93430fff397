package seating

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/campuskit/seatfinder/directory"
	"github.com/campuskit/seatfinder/fetch"
	"github.com/campuskit/seatfinder/shield"
)

// Config holds the whole engine configuration.
type Config struct {
	Listen  string         `yaml:"listen"`
	DBPath  string         `yaml:"db_path"`
	Sources []fetch.Source `yaml:"sources"`

	// CacheTTL bounds seating result freshness. Default: 5 minutes.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// EnquiryBuffer sizes the async enquiry log queue.
	EnquiryBuffer int `yaml:"enquiry_buffer"`
	// RetentionDays bounds how long enquiry records are kept.
	RetentionDays int `yaml:"retention_days"`

	Fetch     fetch.Config      `yaml:"fetch"`
	Admission shield.GateConfig `yaml:"admission"`
	Directory directory.Config  `yaml:"directory"`
}

// DefaultConfig returns production defaults; the source list must still be
// provided.
func DefaultConfig() Config {
	return Config{
		Listen:        ":8080",
		DBPath:        "seatfinder.db",
		CacheTTL:      5 * time.Minute,
		EnquiryBuffer: 1000,
		RetentionDays: 30,
		Admission:     shield.DefaultGateConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the parts that have no sensible default.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("config: source %d has no name", i)
		}
		if src.FetchAddress == "" {
			return fmt.Errorf("config: source %q has no fetch_address", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("config: duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.EnquiryBuffer <= 0 {
		c.EnquiryBuffer = 1000
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	return nil
}
