package supervisor

import (
	"fmt"
	"io"
	"net/url"
	"sort"

	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/driver"
)

// DefaultProcessName is used when neither the options nor the project config
// name the process.
const DefaultProcessName = "default"

// ProcessConfig is the resolved launch configuration for one aos process.
// It is persisted alongside the process record.
type ProcessConfig struct {
	Name       string            `json:"name"`
	Wallet     string            `json:"wallet,omitempty"`
	Data       string            `json:"data,omitempty"`
	Module     string            `json:"module,omitempty"`
	Cron       string            `json:"cron,omitempty"`
	Monitor    bool              `json:"monitor,omitempty"`
	Sqlite     bool              `json:"sqlite,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	LuaFiles   []string          `json:"luaFiles,omitempty"`
	GatewayURL string            `json:"gatewayUrl,omitempty"`
	CUURL      string            `json:"cuUrl,omitempty"`
	MUURL      string            `json:"muUrl,omitempty"`
	Features   config.Features   `json:"features"`
}

// StartOptions are per-invocation overrides and I/O wiring for StartProcess.
// Non-empty string fields override the project config; boolean flags are
// OR-ed with it.
type StartOptions struct {
	Name       string
	Wallet     string
	Data       string
	Module     string
	Cron       string
	Monitor    bool
	Sqlite     bool
	GatewayURL string
	CUURL      string
	MUURL      string

	Mode driver.Mode
	Env  []string

	// Foreground only. Stdin is forwarded to the child; child output is
	// echoed to Stdout and Stderr as it arrives. Nil disables each.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Resolve merges the project config with per-invocation options and
// validates the result.
func Resolve(cfg *config.Config, opts StartOptions) (ProcessConfig, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}

	pc := ProcessConfig{
		Name:       firstNonEmpty(opts.Name, cfg.ProcessName, DefaultProcessName),
		Wallet:     firstNonEmpty(opts.Wallet, cfg.AO.Wallet),
		Data:       opts.Data,
		Module:     firstNonEmpty(opts.Module, cfg.AO.Module),
		Cron:       firstNonEmpty(opts.Cron, cfg.AO.Cron),
		Monitor:    opts.Monitor || cfg.AO.Monitor,
		Sqlite:     opts.Sqlite || cfg.AO.Sqlite,
		GatewayURL: firstNonEmpty(opts.GatewayURL, cfg.AO.GatewayURL),
		CUURL:      firstNonEmpty(opts.CUURL, cfg.AO.CUURL),
		MUURL:      firstNonEmpty(opts.MUURL, cfg.AO.MUURL),
		Features:   cfg.AO.Features,
	}
	if len(cfg.LuaFiles) > 0 {
		pc.LuaFiles = append([]string(nil), cfg.LuaFiles...)
	}
	if len(cfg.Tags) > 0 {
		pc.Tags = make(map[string]string, len(cfg.Tags))
		for k, v := range cfg.Tags {
			pc.Tags[k] = v
		}
	}

	if err := pc.Validate(); err != nil {
		return ProcessConfig{}, err
	}
	return pc, nil
}

// Validate checks the resolved configuration.
func (pc ProcessConfig) Validate() error {
	if pc.Name == "" {
		return fmt.Errorf("process name is required")
	}
	for flag, raw := range map[string]string{
		"gateway-url": pc.GatewayURL,
		"cu-url":      pc.CUURL,
		"mu-url":      pc.MUURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("--%s %q: %w", flag, raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("--%s %q must be an http or https URL", flag, raw)
		}
	}
	return nil
}

// BuildArgs renders the aos command line for pc. The process name is the
// first positional argument; every other flag is present only when set.
// Tag pairs are emitted in name order and only when both halves are non-empty.
func BuildArgs(pc ProcessConfig) []string {
	args := []string{pc.Name}

	if pc.Wallet != "" {
		args = append(args, "--wallet", pc.Wallet)
	}
	for _, f := range pc.LuaFiles {
		args = append(args, "--load", f)
	}
	if pc.Data != "" {
		args = append(args, "--data", pc.Data)
	}

	names := make([]string, 0, len(pc.Tags))
	for name := range pc.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := pc.Tags[name]
		if name == "" || value == "" {
			continue
		}
		args = append(args, "--tag-name", name, "--tag-value", value)
	}

	if pc.Module != "" {
		args = append(args, "--module", pc.Module)
	}
	if pc.Cron != "" {
		args = append(args, "--cron", pc.Cron)
	}
	if pc.Monitor {
		args = append(args, "--monitor")
	}
	if pc.Sqlite {
		args = append(args, "--sqlite")
	}
	if pc.GatewayURL != "" {
		args = append(args, "--gateway-url", pc.GatewayURL)
	}
	if pc.CUURL != "" {
		args = append(args, "--cu-url", pc.CUURL)
	}
	if pc.MUURL != "" {
		args = append(args, "--mu-url", pc.MUURL)
	}

	return args
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
