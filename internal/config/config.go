// Package config loads the engine's YAML configuration file: the
// database parent directory, page sizes, default merge conflict policy,
// and the maintenance sweep's cron schedule.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/branchql/tableforge/internal/pager"
)

// EngineConfig is the programmatic entry point an embedding server uses
// to stand up a Database.
type EngineConfig struct {
	DataDir            string `yaml:"data_dir"`
	TablePageSize      int    `yaml:"table_page_size"`
	VCPageSize         int    `yaml:"vc_page_size"`
	DefaultMergePolicy string `yaml:"default_merge_policy"`
	MaintenanceCron    string `yaml:"maintenance_cron"`
}

const (
	defaultMergePolicy = "abort"
	defaultCron        = "0 */5 * * * *"
)

// LoadEngineConfig reads and validates an engine.yaml file, filling
// defaults for any zero-valued field.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config %s: %w", path, err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse engine config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EngineConfig) applyDefaults() {
	if c.TablePageSize == 0 {
		c.TablePageSize = pager.TablePageSize
	}
	if c.VCPageSize == 0 {
		c.VCPageSize = pager.VCPageSize
	}
	if c.DefaultMergePolicy == "" {
		c.DefaultMergePolicy = defaultMergePolicy
	}
	if c.MaintenanceCron == "" {
		c.MaintenanceCron = defaultCron
	}
}

func (c *EngineConfig) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("engine config: data_dir is required")
	}
	switch c.DefaultMergePolicy {
	case "abort", "prefer-source", "prefer-target":
	default:
		return fmt.Errorf("engine config: default_merge_policy %q must be one of abort|prefer-source|prefer-target", c.DefaultMergePolicy)
	}
	return nil
}
