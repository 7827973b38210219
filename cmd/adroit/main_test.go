package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/adroit/internal/config"
	"github.com/terrpan/adroit/internal/report"
)

func resetFlags(t *testing.T) {
	t.Helper()
	flagOverrides = config.Config{}
	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	})
}

func TestApplyFlagOverrides(t *testing.T) {
	resetFlags(t)
	t.Cleanup(func() { resetFlags(t) })

	require.NoError(t, rootCmd.ParseFlags([]string{
		"-b", "acme", "-d", "ubuntu:22.04", "-e", "stage", "-r", "/srv/ansible", "-s", "--pull=false",
		"--log-format", "json",
	}))

	cfg := &config.Config{Logging: config.LoggingConfig{Level: "debug", Format: "text"}}
	applyFlagOverrides(rootCmd, cfg)

	assert.Equal(t, "acme", cfg.Harness.BaseName)
	assert.Equal(t, "ubuntu:22.04", cfg.Harness.DefaultImage)
	assert.Equal(t, "stage", cfg.Harness.EnvVar)
	assert.Equal(t, "/srv/ansible", cfg.Harness.RootDir)
	assert.True(t, cfg.Harness.SkipBuildImages)
	require.NotNil(t, cfg.Docker.Pull)
	assert.False(t, *cfg.Docker.Pull)
	assert.Equal(t, "debug", cfg.Logging.Level, "unset flags keep file values")
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyFlagOverrides_UnchangedBoolsKeepFileValues(t *testing.T) {
	resetFlags(t)
	t.Cleanup(func() { resetFlags(t) })

	require.NoError(t, rootCmd.ParseFlags(nil))

	f := false
	cfg := &config.Config{
		Harness: config.HarnessConfig{SkipBuildImages: true},
		Docker:  config.DockerConfig{Pull: &f},
	}
	applyFlagOverrides(rootCmd, cfg)

	assert.True(t, cfg.Harness.SkipBuildImages)
	assert.False(t, *cfg.Docker.Pull)
}

func TestBannerText(t *testing.T) {
	rep := report.New("docker", "nginx", "debian:stretch")
	rep.Finish(nil)
	assert.Contains(t, bannerText(rep), "PASS  role nginx")
	assert.NotContains(t, bannerText(rep), "left running")

	rep.ContainerID = "abc123"
	rep.CleanupError = "device busy"
	assert.Contains(t, bannerText(rep), "PASS  role nginx (container abc123 left running)")

	rep = report.New("docker", "nginx", "debian:stretch")
	rep.Outcome = "paused"
	rep.ContainerID = "abc123"
	rep.Finish(errors.New("not idempotent"))
	assert.Contains(t, bannerText(rep), "FAIL  role nginx (container abc123 paused)")

	rep = report.New("docker", "nginx", "debian:stretch")
	rep.Finish(errors.New("role not found"))
	assert.NotContains(t, bannerText(rep), "container")
}

func TestRootCmd_RequiresOneRole(t *testing.T) {
	assert.Error(t, rootCmd.Args(rootCmd, nil))
	assert.Error(t, rootCmd.Args(rootCmd, []string{"a", "b"}))
	assert.NoError(t, rootCmd.Args(rootCmd, []string{"nginx"}))
}

func TestExecute_ReachesEngineWithoutConfigFile(t *testing.T) {
	resetFlags(t)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags(t)
	})

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "roles", "web"), 0o755))
	t.Setenv("DOCKER_HOST", "unix://"+filepath.Join(t.TempDir(), "docker.sock"))

	rootCmd.SetArgs([]string{
		"-r", root, "-s",
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--log-level", "error",
		"web",
	})
	err := rootCmd.Execute()

	// Config, logging and telemetry set up; only the daemon is missing.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initializing engine")
	assert.NotContains(t, err.Error(), "telemetry")
}
