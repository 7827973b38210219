package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/adroit/internal/image"
)

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

func (s *ConfigValidationSuite) TestValidate_EmptyConfigUsesDefaults() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())

	wd, err := os.Getwd()
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "adroit", cfg.Harness.BaseName)
	assert.Equal(s.T(), "debian:stretch", cfg.Harness.DefaultImage)
	assert.Equal(s.T(), "env", cfg.Harness.EnvVar)
	assert.Equal(s.T(), wd, cfg.Harness.RootDir)
	assert.False(s.T(), cfg.Harness.SkipBuildImages)
	assert.True(s.T(), cfg.PullEnabled())
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.Equal(s.T(), "adroit", cfg.Metrics.Job)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	f := false
	cfg := &Config{
		Harness: HarnessConfig{BaseName: "acme", DefaultImage: "ubuntu:22.04", EnvVar: "stage", RootDir: "/srv/ansible"},
		Docker:  DockerConfig{Pull: &f},
	}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "acme", cfg.Harness.BaseName)
	assert.Equal(s.T(), "ubuntu:22.04", cfg.Harness.DefaultImage)
	assert.Equal(s.T(), "stage", cfg.Harness.EnvVar)
	assert.Equal(s.T(), "/srv/ansible", cfg.Harness.RootDir)
	assert.False(s.T(), cfg.PullEnabled())
}

func (s *ConfigValidationSuite) TestValidate_BaseName() {
	for _, name := range []string{"adroit", "my-org/roles", "a.b_c", "x__y"} {
		cfg := &Config{Harness: HarnessConfig{BaseName: name}}
		assert.NoError(s.T(), cfg.Validate(), name)
	}
	for _, name := range []string{"Adroit", "has space", "-lead", "trail-", "a:b", "a//b"} {
		cfg := &Config{Harness: HarnessConfig{BaseName: name}}
		err := cfg.Validate()
		require.Error(s.T(), err, name)
		assert.Contains(s.T(), err.Error(), "harness.base_name")
	}
}

func (s *ConfigValidationSuite) TestValidate_EnvVar() {
	for _, name := range []string{"1env", "env-name", "env var"} {
		cfg := &Config{Harness: HarnessConfig{EnvVar: name}}
		assert.Error(s.T(), cfg.Validate(), name)
	}
}

func (s *ConfigValidationSuite) TestValidate_EnvVarClashesWithMarker() {
	for _, name := range []string{"ansible_connection", "adroit_in_docker"} {
		cfg := &Config{Harness: HarnessConfig{EnvVar: name}}
		err := cfg.Validate()
		require.Error(s.T(), err)
		assert.Contains(s.T(), err.Error(), "clashes")
	}
}

func (s *ConfigValidationSuite) TestValidate_ExtraVarNames() {
	cfg := &Config{Inventory: InventoryConfig{ExtraVars: map[string]string{"ok_name": "1", "bad-name": "2"}}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "bad-name")
}

func (s *ConfigValidationSuite) TestValidate_ExtraVarValues() {
	cfg := &Config{Inventory: InventoryConfig{ExtraVars: map[string]string{"motd": "hello world"}}}
	assert.NoError(s.T(), cfg.Validate(), "spaces are quoted in the inventory")

	cfg = &Config{Inventory: InventoryConfig{ExtraVars: map[string]string{"motd": "hello\nworld"}}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "inventory.extra_vars.motd")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedDistro() {
	cfg := &Config{Harness: HarnessConfig{DefaultImage: "alpine:3.20"}}
	err := cfg.Validate()
	assert.ErrorIs(s.T(), err, image.ErrUnsupportedDistro)
}

func (s *ConfigValidationSuite) TestValidate_Logging() {
	cfg := &Config{Logging: LoggingConfig{Level: "trace"}}
	assert.ErrorContains(s.T(), cfg.Validate(), "logging.level")

	cfg = &Config{Logging: LoggingConfig{Format: "xml"}}
	assert.ErrorContains(s.T(), cfg.Validate(), "logging.format")

	cfg = &Config{Logging: LoggingConfig{Level: "DEBUG", Format: "Pretty"}}
	assert.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_PushgatewayURL() {
	cfg := &Config{Metrics: MetricsConfig{PushgatewayURL: "not a url"}}
	assert.ErrorContains(s.T(), cfg.Validate(), "metrics.pushgateway_url")

	cfg = &Config{Metrics: MetricsConfig{PushgatewayURL: "http://pushgateway:9091"}}
	assert.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestOTelSettings() {
	cfg := &Config{
		OTel:    OTelConfig{Enabled: true, Endpoint: "collector:4318", Insecure: true},
		Metrics: MetricsConfig{PushgatewayURL: "http://pg:9091", Job: "ci"},
	}
	o := cfg.OTelSettings()
	assert.True(s.T(), o.Enabled)
	assert.Equal(s.T(), "collector:4318", o.Endpoint)
	assert.True(s.T(), o.Insecure)
	assert.Equal(s.T(), "http://pg:9091", o.PushgatewayURL)
	assert.Equal(s.T(), "ci", o.Job)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "adroit.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adroit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
harness:
  base_name: acme
  default_image: centos:7
  skip_build_images: true
docker:
  pull: false
inventory:
  extra_vars:
    ansible_python_interpreter: /usr/bin/python3
logging:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Harness.BaseName)
	assert.Equal(t, "centos:7", cfg.Harness.DefaultImage)
	assert.True(t, cfg.Harness.SkipBuildImages)
	require.NotNil(t, cfg.Docker.Pull)
	assert.False(t, *cfg.Docker.Pull)
	assert.Equal(t, "/usr/bin/python3", cfg.Inventory.ExtraVars["ansible_python_interpreter"])
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adroit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[harness]
base_name = "acme"
env_var = "stage"

[docker]
host = "unix:///run/user/1000/docker.sock"

[metrics]
pushgateway_url = "http://pg:9091"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Harness.BaseName)
	assert.Equal(t, "stage", cfg.Harness.EnvVar)
	assert.Equal(t, "unix:///run/user/1000/docker.sock", cfg.Docker.Host)
	assert.Nil(t, cfg.Docker.Pull)
	assert.Equal(t, "http://pg:9091", cfg.Metrics.PushgatewayURL)
}

func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"bad.yaml": "harness: [unclosed",
		"bad.toml": "[harness\nbase_name = ",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := Load(path)
		assert.Error(t, err, name)
	}
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: "json"}}

	logger := cfg.newLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "role", "nginx")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "nginx", rec["role"])
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"text", "pretty"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: format}}

			logger := cfg.newLogger(&buf)
			logger.Debug("stage started", "stage", "core")

			assert.Contains(t, buf.String(), "stage started")
			assert.Contains(t, buf.String(), "core")
		})
	}
}
