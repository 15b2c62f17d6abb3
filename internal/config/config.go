package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileNames lists the project config files Find looks for, in order.
var FileNames = []string{"aos.config.yml", "aos.config.yaml", "aos.config.toml"}

var processNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Config is the project configuration written by the scaffolder and read by
// the supervisor. Only the fields the supervisor consumes are modelled.
type Config struct {
	PackageManager string            `yaml:"packageManager,omitempty" toml:"packageManager"`
	Framework      string            `yaml:"framework,omitempty" toml:"framework"`
	ProcessName    string            `yaml:"processName,omitempty" toml:"processName"`
	Port           int               `yaml:"port,omitempty" toml:"port"`
	AO             AO                `yaml:"ao,omitempty" toml:"ao"`
	LuaFiles       []string          `yaml:"luaFiles,omitempty" toml:"luaFiles"`
	Tags           map[string]string `yaml:"tags,omitempty" toml:"tags"`
	Schedule       Schedule          `yaml:"schedule,omitempty" toml:"schedule"`
}

// AO holds the options passed through to the aos binary.
type AO struct {
	Wallet     string   `yaml:"wallet,omitempty" toml:"wallet"`
	Module     string   `yaml:"module,omitempty" toml:"module"`
	Cron       string   `yaml:"cron,omitempty" toml:"cron"`
	Monitor    bool     `yaml:"monitor,omitempty" toml:"monitor"`
	Sqlite     bool     `yaml:"sqlite,omitempty" toml:"sqlite"`
	GatewayURL string   `yaml:"gatewayUrl,omitempty" toml:"gatewayUrl"`
	CUURL      string   `yaml:"cuUrl,omitempty" toml:"cuUrl"`
	MUURL      string   `yaml:"muUrl,omitempty" toml:"muUrl"`
	Features   Features `yaml:"features,omitempty" toml:"features"`
}

// Features describe target runtime capabilities. Informational only.
type Features struct {
	Coroutines bool `yaml:"coroutines,omitempty" toml:"coroutines" json:"coroutines"`
	Bootloader bool `yaml:"bootloader,omitempty" toml:"bootloader" json:"bootloader"`
	Weavedrive bool `yaml:"weavedrive,omitempty" toml:"weavedrive" json:"weavedrive"`
}

var packageManagers = map[string]bool{"npm": true, "yarn": true, "pnpm": true, "bun": true}

// Home returns the aosup home directory (~/.aosup).
func Home() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".aosup"), nil
}

// Find returns the first project config file present in dir.
func Find(dir string) (string, bool) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Load reads a project config from path, decoding TOML or YAML by extension.
// If the file does not exist, it returns an empty Config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDir loads the project config found in dir, or an empty Config if none exists.
func LoadDir(dir string) (*Config, error) {
	path, ok := Find(dir)
	if !ok {
		return &Config{}, nil
	}
	return Load(path)
}

// Validate checks that a config is well-formed.
func (c *Config) Validate() error {
	if c.PackageManager != "" && !packageManagers[c.PackageManager] {
		return fmt.Errorf("packageManager must be one of npm, yarn, pnpm or bun, got %q", c.PackageManager)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.ProcessName != "" && !processNameRe.MatchString(c.ProcessName) {
		return fmt.Errorf("processName %q is invalid: must match %s", c.ProcessName, processNameRe)
	}
	for i, f := range c.LuaFiles {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("luaFiles[%d] is empty", i)
		}
	}
	for k := range c.Tags {
		if k == "" {
			return fmt.Errorf("tags contains an empty name")
		}
	}
	return c.Schedule.validate()
}
