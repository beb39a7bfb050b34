package cask

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines store settings loadable from a YAML file. Zero values fall
// back to the built-in defaults, so a config may set only what it overrides.
type Config struct {
	Dir         string      `yaml:"dir"`
	FileLimit   int         `yaml:"fileLimit"`
	SegmentSize int64       `yaml:"segmentSize"`
	SyncOnApply bool        `yaml:"syncOnApply"`
	Merge       MergeConfig `yaml:"merge"`
}

// MergeConfig defines compaction settings.
type MergeConfig struct {
	// Policy selects candidate segments: "all" (default) merges every sealed
	// segment, "liveRatio" merges once any segment's live fraction drops
	// below Ratio.
	Policy string `yaml:"policy"`
	Ratio  float64 `yaml:"ratio"`
	// IntervalSeconds enables background compaction when positive.
	IntervalSeconds int `yaml:"intervalSeconds"`
}

// LoadConfig reads a YAML config from path, expanding a leading "~".
func LoadConfig(path string) (*Config, error) {
	path, err := expandUserPath(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if cfg.Dir != "" {
		if cfg.Dir, err = expandUserPath(cfg.Dir); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Options translates the config into store options.
func (c *Config) Options() ([]Option, error) {
	var opts []Option
	if c.FileLimit > 0 {
		opts = append(opts, WithFileLimit(c.FileLimit))
	}
	if c.SegmentSize > 0 {
		opts = append(opts, WithSegmentSize(c.SegmentSize))
	}
	if c.SyncOnApply {
		opts = append(opts, WithSyncOnApply(true))
	}
	switch c.Merge.Policy {
	case "", "all":
	case "liveRatio":
		if c.Merge.Ratio <= 0 || c.Merge.Ratio > 1 {
			return nil, fmt.Errorf("cask: merge ratio %v out of (0, 1]", c.Merge.Ratio)
		}
		opts = append(opts, WithMergePolicy(MergeBelowLiveRatio(c.Merge.Ratio)))
	default:
		return nil, fmt.Errorf("cask: unknown merge policy %q", c.Merge.Policy)
	}
	if c.Merge.IntervalSeconds > 0 {
		opts = append(opts, WithMergeInterval(time.Duration(c.Merge.IntervalSeconds)*time.Second))
	}
	return opts, nil
}

func expandUserPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
