package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brettbedarf/layerfs/internal/util"
	"gopkg.in/yaml.v3"
)

// CLI verbosity values accepted by [ConfigOverride.LogLvl]
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultLogLvl = util.InfoLevel

	// DefaultAsyncDelay is how long the async event queue waits for more
	// requests before delivering; every arrival restarts the wait
	DefaultAsyncDelay = 300 * time.Millisecond

	// DefaultAsyncMaxDelay bounds how long a pending async request can be
	// held back by a steady stream of arrivals
	DefaultAsyncMaxDelay = 2 * time.Second

	// DefaultLockWait is how long a conflicting stream request waits before
	// failing with ErrAlreadyLocked
	DefaultLockWait = 250 * time.Millisecond

	DefaultCaseFallback   = false
	DefaultPropagateMasks = false
)

// Layer types understood by the built-in adapters
const (
	DirLayerType = "dir"
	MemLayerType = "mem"
)

// LayerConfig describes one backing store of the overlay stack.
// The first layer is the preferred write target.
type LayerConfig struct {
	Type      string `yaml:"type" json:"type"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	ReadOnly  bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	AttrDB    string `yaml:"attr_db,omitempty" json:"attr_db,omitempty"` // leveldb dir for attributes; in-memory if empty
	MimeHints bool   `yaml:"mime_hints,omitempty" json:"mime_hints,omitempty"`
}

// WritableRule routes writes for paths matching Pattern (glob syntax) to
// the layer at index Layer.
type WritableRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Layer   int    `yaml:"layer" json:"layer"`
}

// Config contains runtime configuration values for the layered filesystem.
type Config struct {
	MountOptions
	LogLvl         util.LogLevel
	AsyncDelay     time.Duration // Debounce window of the async event queue (Default 300ms)
	AsyncMaxDelay  time.Duration // Upper bound on async debounce (Default 2s)
	LockWait       time.Duration // Bounded wait for conflicting streams (Default 250ms)
	CaseFallback   bool          // Retry failed child lookups with the first character's case swapped (Default false)
	PropagateMasks bool          // Keep mask entries visible so an enclosing overlay can apply them (Default false)
	Layers         []LayerConfig
	WritableRules  []WritableRule
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	LogLvl          *int           `yaml:"verbose,omitempty" json:"verbose,omitempty"` // CLI verbosity 1 (error) .. 5 (trace)
	AsyncDelayMs    *int           `yaml:"async_delay_ms,omitempty" json:"async_delay_ms,omitempty"`
	AsyncMaxDelayMs *int           `yaml:"async_max_delay_ms,omitempty" json:"async_max_delay_ms,omitempty"`
	LockWaitMs      *int           `yaml:"lock_wait_ms,omitempty" json:"lock_wait_ms,omitempty"`
	CaseFallback    *bool          `yaml:"case_fallback,omitempty" json:"case_fallback,omitempty"`
	PropagateMasks  *bool          `yaml:"propagate_masks,omitempty" json:"propagate_masks,omitempty"`
	Debug           *bool          `yaml:"debug,omitempty" json:"debug,omitempty"`
	FsName          *string        `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name            *string        `yaml:"name,omitempty" json:"name,omitempty"`
	Layers          []LayerConfig  `yaml:"layers,omitempty" json:"layers,omitempty"`
	WritableRules   []WritableRule `yaml:"writable_rules,omitempty" json:"writable_rules,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
		LogLvl:         DefaultLogLvl,
		AsyncDelay:     DefaultAsyncDelay,
		AsyncMaxDelay:  DefaultAsyncMaxDelay,
		LockWait:       DefaultLockWait,
		CaseFallback:   DefaultCaseFallback,
		PropagateMasks: DefaultPropagateMasks,
	}
}

// NewConfig returns the defaults with override applied; override may be nil.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.LogLvl != nil {
		c.LogLvl = util.VerbosityLevel(*override.LogLvl)
	}
	if override.AsyncDelayMs != nil {
		c.AsyncDelay = time.Duration(*override.AsyncDelayMs) * time.Millisecond
	}
	if override.AsyncMaxDelayMs != nil {
		c.AsyncMaxDelay = time.Duration(*override.AsyncMaxDelayMs) * time.Millisecond
	}
	if override.LockWaitMs != nil {
		c.LockWait = time.Duration(*override.LockWaitMs) * time.Millisecond
	}
	if override.CaseFallback != nil {
		c.CaseFallback = *override.CaseFallback
	}
	if override.PropagateMasks != nil {
		c.PropagateMasks = *override.PropagateMasks
	}
	if override.Debug != nil {
		c.Debug = *override.Debug
	}
	if override.FsName != nil {
		c.FsName = *override.FsName
	}
	if override.Name != nil {
		c.Name = *override.Name
	}
	if override.Layers != nil {
		c.Layers = append([]LayerConfig(nil), override.Layers...)
	}
	if override.WritableRules != nil {
		c.WritableRules = append([]WritableRule(nil), override.WritableRules...)
	}
}

// Validate reports configuration that cannot be used to build a stack.
func (c *Config) Validate() error {
	if c.AsyncMaxDelay < c.AsyncDelay {
		return fmt.Errorf("async_max_delay_ms (%s) must not be below async_delay_ms (%s)", c.AsyncMaxDelay, c.AsyncDelay)
	}
	for i, l := range c.Layers {
		if l.Type == "" {
			return fmt.Errorf("layer %d: missing type", i)
		}
	}
	for _, r := range c.WritableRules {
		if r.Layer < 0 || r.Layer >= len(c.Layers) {
			return fmt.Errorf("writable rule %q: layer %d out of range", r.Pattern, r.Layer)
		}
	}
	return nil
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
// This is a convenience function that combines NewDefaultConfig, LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)
	return cfg, nil
}
