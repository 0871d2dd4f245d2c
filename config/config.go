package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. DDLAUNCHER_SERVER_LISTEN.
const EnvPrefix = "DDLAUNCHER"

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Paths    PathsConfig    `mapstructure:"paths" yaml:"paths"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Player   PlayerConfig   `mapstructure:"player" yaml:"player"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
}

// LoggerConfig controls the zap logger and its rotating log file.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// PathsConfig locates the scripts, the account database and the
// auxiliary executables. Relative paths are anchored by ResolvePaths.
type PathsConfig struct {
	Scripts     string `mapstructure:"scripts" yaml:"scripts"` // glob pattern
	Database    string `mapstructure:"database" yaml:"database"`
	CookieTool  string `mapstructure:"cookie_tool" yaml:"cookie_tool"`
	Launcher    string `mapstructure:"launcher" yaml:"launcher"`
	FlashPlayer string `mapstructure:"flash_player" yaml:"flash_player"`
}

// ServerConfig configures the local HTTP bridge used by the UI shell.
type ServerConfig struct {
	Listen         string   `mapstructure:"listen" yaml:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// AgentConfig configures every Session Agent handed to a script.
type AgentConfig struct {
	UserAgent    string `mapstructure:"user_agent" yaml:"user_agent"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// PlayerConfig decides how a launch URL is opened.
type PlayerConfig struct {
	// BrowserHosts are substrings or prefixes of URLs that must be opened in
	// the system browser instead of the flash player.
	BrowserHosts []string `mapstructure:"browser_hosts" yaml:"browser_hosts"`
}

// DispatchConfig tunes invocation bookkeeping.
type DispatchConfig struct {
	RetainFor time.Duration `mapstructure:"retain_for" yaml:"retain_for"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "ddlauncher")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Paths --
	v.SetDefault("paths.scripts", filepath.Join("scripts", "*.lua"))
	v.SetDefault("paths.database", "userdata.db")
	v.SetDefault("paths.cookie_tool", "cowv2")
	v.SetDefault("paths.launcher", defaultLauncher())
	v.SetDefault("paths.flash_player", defaultFlashPlayer())

	// -- Server --
	v.SetDefault("server.listen", "127.0.0.1:8989")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// -- Agent --
	v.SetDefault("agent.user_agent", "Mozilla/4.0 (compatible; MSIE 6.0; Windows NT 5.1; .NET CLR 1.0.3705;)")
	v.SetDefault("agent.max_body_bytes", 16<<20)

	// -- Player --
	v.SetDefault("player.browser_hosts", []string{"337.com", "http://s"})

	// -- Dispatch --
	v.SetDefault("dispatch.retain_for", "5m")
}

// Load reads the config file at path (or ./config.yaml when path is empty),
// applies environment overrides and validates the result. A missing default
// config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return NewConfigFromViper(v)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Paths.Scripts == "" {
		return fmt.Errorf("paths.scripts is required")
	}
	if c.Paths.Database == "" {
		return fmt.Errorf("paths.database is required")
	}
	if c.Agent.UserAgent == "" {
		return fmt.Errorf("agent.user_agent is required")
	}
	if c.Agent.MaxBodyBytes <= 0 {
		return fmt.Errorf("agent.max_body_bytes must be a positive integer")
	}
	if c.Dispatch.RetainFor < 0 {
		return fmt.Errorf("dispatch.retain_for must not be negative")
	}
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be \"console\" or \"json\", got %q", c.Logger.Format)
	}
	return nil
}

// ResolvePaths expands "~" and anchors relative paths at baseDir. Bare
// executable names without a separator (e.g. "cowv2") are left alone so
// they are looked up on PATH.
func (c *Config) ResolvePaths(baseDir string) error {
	var err error
	resolve := func(p string, bare bool) string {
		if err != nil || p == "" {
			return p
		}
		expanded, expErr := homedir.Expand(p)
		if expErr != nil {
			err = fmt.Errorf("could not expand path %q: %w", p, expErr)
			return p
		}
		if filepath.IsAbs(expanded) {
			return expanded
		}
		if bare && !strings.ContainsAny(expanded, `/\`) {
			return expanded
		}
		return filepath.Join(baseDir, expanded)
	}

	c.Paths.Scripts = resolve(c.Paths.Scripts, false)
	c.Paths.Database = resolve(c.Paths.Database, false)
	c.Paths.CookieTool = resolve(c.Paths.CookieTool, true)
	c.Paths.Launcher = resolve(c.Paths.Launcher, false)
	c.Paths.FlashPlayer = resolve(c.Paths.FlashPlayer, false)
	c.Logger.LogFile = resolve(c.Logger.LogFile, false)
	return err
}

// ExecutableDir returns the directory of the running binary, falling back to
// the working directory when it cannot be determined.
func ExecutableDir() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
