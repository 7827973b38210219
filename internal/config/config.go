// Package config handles loading, validating, and applying the harness
// configuration.  Configuration is read from an optional YAML or TOML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/adroit/internal/engine"
	"github.com/terrpan/adroit/internal/engine/docker"
	"github.com/terrpan/adroit/internal/harness"
	"github.com/terrpan/adroit/internal/image"
	"github.com/terrpan/adroit/internal/inventory"
	"github.com/terrpan/adroit/internal/otel"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Harness   HarnessConfig   `yaml:"harness" toml:"harness"`
	Docker    DockerConfig    `yaml:"docker" toml:"docker"`
	Inventory InventoryConfig `yaml:"inventory" toml:"inventory"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	OTel      OTelConfig      `yaml:"otel" toml:"otel"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// HarnessConfig holds the settings the CLI flags map onto.
type HarnessConfig struct {
	// BaseName prefixes image tags.  Default: "adroit".
	BaseName string `yaml:"base_name" toml:"base_name"`

	// DefaultImage is the distro:version the core image is built from.
	// Default: "debian:stretch".
	DefaultImage string `yaml:"default_image" toml:"default_image"`

	// EnvVar is the inventory variable set to "docker".  Default: "env".
	EnvVar string `yaml:"env_var" toml:"env_var"`

	// RootDir is the Ansible tree.  Default: the working directory.
	RootDir string `yaml:"root_dir" toml:"root_dir"`

	SkipBuildImages bool `yaml:"skip_build_images" toml:"skip_build_images"`

	// InventoryDir receives per-container inventory files.
	// Default: the system temp dir.
	InventoryDir string `yaml:"inventory_dir" toml:"inventory_dir"`

	// Init is the command role containers run.  Default: "/sbin/init".
	Init string `yaml:"init" toml:"init"`
}

// DockerConfig holds Docker daemon settings.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string `yaml:"host" toml:"host"`

	// Pull pulls the default image before building the core image.
	// Default: true.  A *bool tells "not set" apart from false.
	Pull *bool `yaml:"pull" toml:"pull"`
}

// InventoryConfig adds variables to the [local] inventory line.
type InventoryConfig struct {
	ExtraVars map[string]string `yaml:"extra_vars" toml:"extra_vars"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level" toml:"level"`
	// Format: text, json, pretty.  Default: text.
	Format string `yaml:"format" toml:"format"`
}

// OTelConfig controls OTLP tracing and metrics export.
type OTelConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Endpoint is the OTLP HTTP endpoint.  Empty means the OTEL_* env vars.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	StdOut   bool   `yaml:"stdout" toml:"stdout"`
}

// MetricsConfig controls the push of run metrics to a Prometheus
// Pushgateway.
type MetricsConfig struct {
	// PushgatewayURL enables the push when set.
	PushgatewayURL string `yaml:"pushgateway_url" toml:"pushgateway_url"`
	// Job is the Pushgateway job name.  Default: "adroit".
	Job string `yaml:"job" toml:"job"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the config file at path, as TOML when it has a .toml
// extension and as YAML otherwise.  A missing file yields an empty Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Harness.BaseName == "" {
		c.Harness.BaseName = "adroit"
	}
	if c.Harness.DefaultImage == "" {
		c.Harness.DefaultImage = "debian:stretch"
	}
	if c.Harness.EnvVar == "" {
		c.Harness.EnvVar = "env"
	}
	if c.Harness.RootDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Harness.RootDir = wd
		} else {
			c.Harness.RootDir = "."
		}
	}
	if c.Docker.Pull == nil {
		t := true
		c.Docker.Pull = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "adroit"
	}
}

var (
	// Docker repository names: lowercase path components separated by "/".
	baseNameRe   = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*)*$`)
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate applies defaults and checks that the settings are usable.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if !baseNameRe.MatchString(c.Harness.BaseName) {
		return fmt.Errorf("harness.base_name %q is not a valid image repository name", c.Harness.BaseName)
	}

	if !identifierRe.MatchString(c.Harness.EnvVar) {
		return fmt.Errorf("harness.env_var %q is not a valid variable name", c.Harness.EnvVar)
	}
	if c.Harness.EnvVar == inventory.ConnectionVar || c.Harness.EnvVar == inventory.InDockerVar {
		return fmt.Errorf("harness.env_var %q clashes with a variable the harness sets", c.Harness.EnvVar)
	}
	for k, v := range c.Inventory.ExtraVars {
		if !identifierRe.MatchString(k) {
			return fmt.Errorf("inventory.extra_vars: %q is not a valid variable name", k)
		}
		if err := inventory.CheckValue(v); err != nil {
			return fmt.Errorf("inventory.extra_vars.%s: %w", k, err)
		}
	}

	distro, _ := image.SplitRef(c.Harness.DefaultImage)
	if !slices.Contains(image.Distros(), distro) {
		return &image.UnsupportedDistroError{Distro: distro}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not supported (supported: debug, info, warn, error)", c.Logging.Level)
	}
	if !slices.Contains([]string{"text", "json", "pretty"}, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("logging.format %q is not supported (supported: text, json, pretty)", c.Logging.Format)
	}

	if c.Metrics.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(c.Metrics.PushgatewayURL); err != nil {
			return fmt.Errorf("metrics.pushgateway_url: invalid URL %q: %w", c.Metrics.PushgatewayURL, err)
		}
	}

	return nil
}

// PullEnabled reports whether the default image is pulled before building.
func (c *Config) PullEnabled() bool {
	return c.Docker.Pull == nil || *c.Docker.Pull
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger writing to stderr; stdout carries
// playbook output.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stderr)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "pretty":
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(c.slogLevel()),
			ReportTimestamp: true,
			Prefix:          "adroit",
		}))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine connects to the Docker daemon.  Pull and build progress is
// written to progress.
func (c *Config) NewEngine(ctx context.Context, progress io.Writer, logger *slog.Logger) (*docker.Engine, error) {
	return docker.New(ctx, docker.Config{
		Host:   c.Docker.Host,
		Output: progress,
	}, logger.WithGroup("engine.docker"))
}

// NewHarness wires a Harness on top of eng.  Playbook output goes to out.
func (c *Config) NewHarness(eng engine.Engine, out io.Writer, logger *slog.Logger) *harness.Harness {
	return harness.New(harness.Config{
		BaseName:     c.Harness.BaseName,
		DefaultImage: c.Harness.DefaultImage,
		EnvVar:       c.Harness.EnvVar,
		ExtraVars:    c.Inventory.ExtraVars,
		RootDir:      c.Harness.RootDir,
		InventoryDir: c.Harness.InventoryDir,
		Init:         c.Harness.Init,
		SkipBuild:    c.Harness.SkipBuildImages,
		Pull:         c.PullEnabled(),
		Engine:       eng,
		EngineName:   "docker",
		Out:          out,
		Logger:       logger.WithGroup("harness"),
	})
}

// OTelSettings maps the otel and metrics sections onto otel.Config.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:        c.OTel.Enabled,
		Endpoint:       c.OTel.Endpoint,
		Insecure:       c.OTel.Insecure,
		StdOut:         c.OTel.StdOut,
		PushgatewayURL: c.Metrics.PushgatewayURL,
		Job:            c.Metrics.Job,
	}
}
