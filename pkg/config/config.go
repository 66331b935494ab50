package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "TESTCONTROLLER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultOutputDir is the default directory for test results.
	DefaultOutputDir = "./results"

	// DefaultComputerTimeout is the per-machine test timeout in seconds used
	// when neither the computer nor the defaults specify one.
	DefaultComputerTimeout = 600

	// PlatformModeFirst only dispatches to the machines of the first platform.
	PlatformModeFirst = "first"

	// PlatformModeAll dispatches to the machines of every platform.
	PlatformModeAll = "all"

	// PlatformModeSingle rejects configurations with more than one platform.
	PlatformModeSingle = "single"
)

// Plugin roles as written in the configuration file.
const (
	RoleReader     = "reader"
	RoleEnvSetup   = "envsetup"
	RoleExecutor   = "executor"
	RoleEnvCleanup = "envcleanup"
	RoleReporter   = "reporter"
)

// Config is the root configuration for testcontroller.
type Config struct {
	Global    GlobalConfig     `yaml:"global" mapstructure:"global"`
	Plugins   []PluginConfig   `yaml:"plugins" mapstructure:"plugins"`
	Defaults  DefaultsConfig   `yaml:"defaults" mapstructure:"defaults"`
	Platforms []PlatformConfig `yaml:"platforms" mapstructure:"platforms"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level" mapstructure:"log_level"`
	OutputDir      string `yaml:"output_dir" mapstructure:"output_dir"`
	OutputOwner    string `yaml:"output_owner,omitempty" mapstructure:"output_owner"`
	CleanOutputDir *bool  `yaml:"clean_output_dir,omitempty" mapstructure:"clean_output_dir"`
	TestFile       string `yaml:"test_file,omitempty" mapstructure:"test_file"`
	DryRun         bool   `yaml:"dry_run" mapstructure:"dry_run"`
	Retry          int    `yaml:"retry" mapstructure:"retry"`
	RetryThreshold int    `yaml:"retry_threshold" mapstructure:"retry_threshold"`
	PlatformMode   string `yaml:"platform_mode" mapstructure:"platform_mode"`
}

// PluginConfig binds a module reference to a pipeline role.
type PluginConfig struct {
	Role    string         `yaml:"role" mapstructure:"role"`
	Path    string         `yaml:"path" mapstructure:"path"`
	Name    string         `yaml:"name,omitempty" mapstructure:"name"`
	Options map[string]any `yaml:"options,omitempty" mapstructure:"options"`
}

// DefaultsConfig provides fallback values for computers.
type DefaultsConfig struct {
	Computer ComputerConfig `yaml:"computer" mapstructure:"computer"`
}

// PlatformConfig describes a group of computers sharing OS and CPU.
type PlatformConfig struct {
	OS        string           `yaml:"os" mapstructure:"os"`
	Version   string           `yaml:"version" mapstructure:"version"`
	CPU       string           `yaml:"cpu" mapstructure:"cpu"`
	Computers []ComputerConfig `yaml:"computers" mapstructure:"computers"`
}

// ComputerConfig describes a single execution target. Unset fields fall back
// to the defaults section.
type ComputerConfig struct {
	Hostname    string             `yaml:"hostname,omitempty" mapstructure:"hostname"`
	Timeout     int                `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Runner      string             `yaml:"runner,omitempty" mapstructure:"runner"`
	Env         map[string]string  `yaml:"env,omitempty" mapstructure:"env"`
	OutputPath  string             `yaml:"output_path,omitempty" mapstructure:"output_path"`
	WorkingDir  string             `yaml:"working_dir,omitempty" mapstructure:"working_dir"`
	Credentials *CredentialsConfig `yaml:"credentials,omitempty" mapstructure:"credentials"`
}

// CredentialsConfig holds optional login credentials for a computer.
type CredentialsConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// Load reads and parses a configuration file. Global settings can be
// overridden with TESTCONTROLLER_GLOBAL_<KEY> environment variables.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// yaml.v3 keeps map keys as written; environment variable names and
	// extension options are case sensitive.
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides decodes TESTCONTROLLER_GLOBAL_* variables over the
// global section.
func (c *Config) applyEnvOverrides() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrides := make(map[string]any, len(globalKeys))

	for _, key := range globalKeys {
		if err := v.BindEnv("global." + key); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}

		if v.IsSet("global." + key) {
			overrides[key] = v.Get("global." + key)
		}
	}

	if len(overrides) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &c.Global,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	return decoder.Decode(overrides)
}

var globalKeys = []string{
	"log_level",
	"output_dir",
	"output_owner",
	"clean_output_dir",
	"test_file",
	"dry_run",
	"retry",
	"retry_threshold",
	"platform_mode",
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.OutputDir == "" {
		c.Global.OutputDir = DefaultOutputDir
	}

	if c.Global.CleanOutputDir == nil {
		clean := true
		c.Global.CleanOutputDir = &clean
	}

	if c.Global.PlatformMode == "" {
		c.Global.PlatformMode = PlatformModeFirst
	}

	if c.Defaults.Computer.Timeout == 0 {
		c.Defaults.Computer.Timeout = DefaultComputerTimeout
	}

	for i := range c.Plugins {
		c.Plugins[i].Role = strings.ToLower(strings.TrimSpace(c.Plugins[i].Role))

		if c.Plugins[i].Options == nil {
			c.Plugins[i].Options = make(map[string]any)
		}
	}
}

// ShouldCleanOutputDir reports whether the output directory is recreated on start.
func (c *Config) ShouldCleanOutputDir() bool {
	return c.Global.CleanOutputDir == nil || *c.Global.CleanOutputDir
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.validatePlugins(); err != nil {
		return err
	}

	if err := c.validatePlatforms(); err != nil {
		return err
	}

	if c.Global.Retry < 0 {
		return fmt.Errorf("global.retry must not be negative")
	}

	if c.Global.RetryThreshold < 0 || c.Global.RetryThreshold > 100 {
		return fmt.Errorf("global.retry_threshold must be between 0 and 100, got %d",
			c.Global.RetryThreshold)
	}

	if c.Global.OutputDir != "" {
		dir := filepath.Dir(filepath.Clean(c.Global.OutputDir))
		if dir != "." && dir != ".." && dir != string(filepath.Separator) {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory parent %q does not exist", dir)
			}
		}
	}

	return nil
}

func (c *Config) validatePlugins() error {
	counts := make(map[string]int, 5)

	for i, plugin := range c.Plugins {
		if !isValidRole(plugin.Role) {
			return fmt.Errorf("plugin %d: invalid plugin role %q", i, plugin.Role)
		}

		if strings.TrimSpace(plugin.Path) == "" {
			return fmt.Errorf("plugin %d (%s): path is required", i, plugin.Role)
		}

		counts[plugin.Role]++
	}

	for _, role := range []string{RoleReader, RoleExecutor} {
		if counts[role] != 1 {
			return fmt.Errorf("exactly one %s plugin must be configured, found %d",
				role, counts[role])
		}
	}

	if counts[RoleReporter] == 0 {
		return fmt.Errorf("at least one reporter plugin must be configured")
	}

	return nil
}

func (c *Config) validatePlatforms() error {
	switch c.Global.PlatformMode {
	case PlatformModeFirst, PlatformModeAll, PlatformModeSingle:
	default:
		return fmt.Errorf("invalid platform_mode %q (expected %s, %s or %s)",
			c.Global.PlatformMode, PlatformModeFirst, PlatformModeAll, PlatformModeSingle)
	}

	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform must be configured")
	}

	if c.Global.PlatformMode == PlatformModeSingle && len(c.Platforms) > 1 {
		return fmt.Errorf("platform_mode %q allows one platform, found %d",
			PlatformModeSingle, len(c.Platforms))
	}

	seenHosts := make(map[string]struct{}, 8)

	for i, platform := range c.Platforms {
		if len(platform.Computers) == 0 {
			return fmt.Errorf("platform %d: at least one computer must be configured", i)
		}

		for j, computer := range platform.Computers {
			merged := c.MergeComputer(computer)

			if strings.TrimSpace(merged.Hostname) == "" {
				return fmt.Errorf("platform %d computer %d: hostname is required", i, j)
			}

			if _, exists := seenHosts[merged.Hostname]; exists {
				return fmt.Errorf("platform %d computer %d: duplicate hostname %q",
					i, j, merged.Hostname)
			}

			seenHosts[merged.Hostname] = struct{}{}

			if merged.Timeout <= 0 {
				return fmt.Errorf("computer %q: timeout must be positive", merged.Hostname)
			}
		}
	}

	return nil
}

// MergeComputer fills unset computer attributes from the defaults section.
// Environment variables are merged with the computer's entries winning.
func (c *Config) MergeComputer(computer ComputerConfig) ComputerConfig {
	defaults := c.Defaults.Computer
	merged := computer

	if merged.Timeout == 0 {
		merged.Timeout = defaults.Timeout
	}

	if merged.Runner == "" {
		merged.Runner = defaults.Runner
	}

	if merged.OutputPath == "" {
		merged.OutputPath = defaults.OutputPath
	}

	if merged.WorkingDir == "" {
		merged.WorkingDir = defaults.WorkingDir
	}

	if merged.Credentials == nil && defaults.Credentials != nil {
		creds := *defaults.Credentials
		merged.Credentials = &creds
	}

	env := make(map[string]string, len(defaults.Env)+len(computer.Env))
	for k, v := range defaults.Env {
		env[k] = v
	}

	for k, v := range computer.Env {
		env[k] = v
	}

	merged.Env = env

	return merged
}

// PluginsByRole returns the plugins configured for a role, in file order.
func (c *Config) PluginsByRole(role string) []PluginConfig {
	plugins := make([]PluginConfig, 0, 1)

	for _, plugin := range c.Plugins {
		if plugin.Role == role {
			plugins = append(plugins, plugin)
		}
	}

	return plugins
}

var validRoles = map[string]struct{}{
	RoleReader:     {},
	RoleEnvSetup:   {},
	RoleExecutor:   {},
	RoleEnvCleanup: {},
	RoleReporter:   {},
}

func isValidRole(role string) bool {
	_, ok := validRoles[role]

	return ok
}
