package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// Config represents the complete packwise configuration
type Config struct {
	Version int    `json:"version" mapstructure:"version"`
	Engine  string `json:"engine" mapstructure:"engine"`
	Python  string `json:"python" mapstructure:"python"`

	Output        OutputConfig        `json:"output" mapstructure:"output"`
	Scan          ScanConfig          `json:"scan" mapstructure:"scan"`
	Tracer        TracerConfig        `json:"tracer" mapstructure:"tracer"`
	Verifier      VerifierConfig      `json:"verifier" mapstructure:"verifier"`
	KnowledgeBase KnowledgeBaseConfig `json:"knowledgeBase" mapstructure:"knowledgeBase"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
}

// OutputConfig describes the artifact to produce
type OutputConfig struct {
	Dir     string `json:"dir" mapstructure:"dir"`
	Name    string `json:"name" mapstructure:"name"`
	Mode    string `json:"mode" mapstructure:"mode"`
	Console bool   `json:"console" mapstructure:"console"`
	Icon    string `json:"icon" mapstructure:"icon"`

	// KeepBuildFiles leaves engine work directories after a successful build
	KeepBuildFiles bool              `json:"keepBuildFiles" mapstructure:"keepBuildFiles"`
	VersionInfo    VersionInfoConfig `json:"versionInfo" mapstructure:"versionInfo"`
}

// VersionInfoConfig is the version resource stamped into Windows
// executables. Nothing is stamped while Version is empty.
type VersionInfoConfig struct {
	Version     string `json:"version" mapstructure:"version"`
	Company     string `json:"company" mapstructure:"company"`
	Description string `json:"description" mapstructure:"description"`
	Copyright   string `json:"copyright" mapstructure:"copyright"`
}

// ScanConfig contains static import scanning configuration
type ScanConfig struct {
	MaxFileSizeBytes int      `json:"maxFileSizeBytes" mapstructure:"maxFileSizeBytes"`
	Ignore           []string `json:"ignore" mapstructure:"ignore"`
}

// TracerConfig controls the instrumented run of the entry script.
// AcceptThreshold is the minimum number of distinct third-party roots a
// crashed run must have recorded for its trace to be used.
type TracerConfig struct {
	Enabled         bool `json:"enabled" mapstructure:"enabled"`
	TimeoutSeconds  int  `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	AcceptThreshold int  `json:"acceptThreshold" mapstructure:"acceptThreshold"`
}

// VerifierConfig controls the smoke test and missing-module matching
type VerifierConfig struct {
	SmokeTimeoutSeconds int      `json:"smokeTimeoutSeconds" mapstructure:"smokeTimeoutSeconds"`
	ExtraPatterns       []string `json:"extraPatterns" mapstructure:"extraPatterns"`
}

// KnowledgeBaseConfig points at an optional user table merged over the
// embedded one
type KnowledgeBaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format     string `json:"format" mapstructure:"format"`
	Level      string `json:"level" mapstructure:"level"`
	MaxSize    string `json:"maxSize" mapstructure:"maxSize"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Engine:  "pyinstaller",
		Python:  "",
		Output: OutputConfig{
			Dir:     "dist",
			Mode:    "onefile",
			Console: true,
		},
		Scan: ScanConfig{
			MaxFileSizeBytes: 1000000,
			Ignore: []string{
				".venv", "venv", "env", "build", "dist", "__pycache__", ".git",
				"node_modules", "site-packages", ".tox", ".pytest_cache", ".eggs",
			},
		},
		Tracer: TracerConfig{
			Enabled:         true,
			TimeoutSeconds:  20,
			AcceptThreshold: 1,
		},
		Verifier: VerifierConfig{
			SmokeTimeoutSeconds: 10,
			ExtraPatterns:       []string{},
		},
		Logging: LoggingConfig{
			Format:     "human",
			Level:      "info",
			MaxSize:    "10MB",
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from .packwise/config.json, with
// PACKWISE_* environment variables taking precedence over the file.
func LoadConfig(projectRoot string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(projectRoot, ".packwise"))

	v.SetEnvPrefix("PACKWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers every default so env overrides apply even without
// a config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("engine", d.Engine)
	v.SetDefault("python", d.Python)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.name", d.Output.Name)
	v.SetDefault("output.mode", d.Output.Mode)
	v.SetDefault("output.console", d.Output.Console)
	v.SetDefault("output.icon", d.Output.Icon)
	v.SetDefault("output.keepBuildFiles", d.Output.KeepBuildFiles)
	v.SetDefault("output.versionInfo.version", d.Output.VersionInfo.Version)
	v.SetDefault("output.versionInfo.company", d.Output.VersionInfo.Company)
	v.SetDefault("output.versionInfo.description", d.Output.VersionInfo.Description)
	v.SetDefault("output.versionInfo.copyright", d.Output.VersionInfo.Copyright)
	v.SetDefault("scan.maxFileSizeBytes", d.Scan.MaxFileSizeBytes)
	v.SetDefault("scan.ignore", d.Scan.Ignore)
	v.SetDefault("tracer.enabled", d.Tracer.Enabled)
	v.SetDefault("tracer.timeoutSeconds", d.Tracer.TimeoutSeconds)
	v.SetDefault("tracer.acceptThreshold", d.Tracer.AcceptThreshold)
	v.SetDefault("verifier.smokeTimeoutSeconds", d.Verifier.SmokeTimeoutSeconds)
	v.SetDefault("verifier.extraPatterns", d.Verifier.ExtraPatterns)
	v.SetDefault("knowledgeBase.path", d.KnowledgeBase.Path)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.maxSize", d.Logging.MaxSize)
	v.SetDefault("logging.maxBackups", d.Logging.MaxBackups)
}

// Save writes the configuration to .packwise/config.json
func (c *Config) Save(projectRoot string) error {
	dir := filepath.Join(projectRoot, ".packwise")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

var versionPattern = regexp.MustCompile(`^v?\d+(\.\d+){0,3}([-+][0-9A-Za-z.]+)?$`)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	switch c.Engine {
	case "pyinstaller", "nuitka":
	default:
		return &ConfigError{Field: "engine", Message: "must be pyinstaller or nuitka"}
	}
	switch c.Output.Mode {
	case "onefile", "onedir":
	default:
		return &ConfigError{Field: "output.mode", Message: "must be onefile or onedir"}
	}
	if v := c.Output.VersionInfo.Version; v != "" && !versionPattern.MatchString(v) {
		return &ConfigError{Field: "output.versionInfo.version", Message: "must look like 1.2 or 1.2.3.4"}
	}
	if c.Tracer.TimeoutSeconds <= 0 {
		return &ConfigError{Field: "tracer.timeoutSeconds", Message: "must be positive"}
	}
	if c.Tracer.AcceptThreshold < 0 {
		return &ConfigError{Field: "tracer.acceptThreshold", Message: "must not be negative"}
	}
	if c.Verifier.SmokeTimeoutSeconds <= 0 {
		return &ConfigError{Field: "verifier.smokeTimeoutSeconds", Message: "must be positive"}
	}
	if c.Scan.MaxFileSizeBytes <= 0 {
		return &ConfigError{Field: "scan.maxFileSizeBytes", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
