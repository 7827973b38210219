package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/terrpan/adroit/internal/buildinfo"
	"github.com/terrpan/adroit/internal/config"
	"github.com/terrpan/adroit/internal/otel"
	"github.com/terrpan/adroit/internal/report"
	"github.com/terrpan/adroit/internal/roletest"
)

var (
	cfgPath       string
	reportPath    string
	flagOverrides config.Config
	pullOverride  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "adroit [flags] <role>",
	Short: "Test an Ansible role in a Docker container",
	Long: `adroit builds a core image (distro + Ansible) and a base image (core +
the "base" role), then applies the given role twice in a fresh container
from the base image.  The second run must report no changes.

A failing container is paused and left behind for inspection.

Configuration is read from an optional YAML or TOML file (--config) with
CLI flag overrides.`,
	Args:          cobra.ExactArgs(1),
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx, cmd, args[0])
	},
}

func init() {
	rootCmd.SetVersionTemplate(buildinfo.String() + "\n")

	f := rootCmd.Flags()

	f.StringVar(&cfgPath, "config", "adroit.yaml", "Path to YAML or TOML configuration file")
	f.StringVar(&reportPath, "report", "", "Write a JSON run report to this path")

	f.StringVarP(&flagOverrides.Harness.BaseName, "base-name", "b", "", "Prefix for image names (default adroit)")
	f.StringVarP(&flagOverrides.Harness.DefaultImage, "default-image", "d", "", "distro:version the core image is built from (default debian:stretch)")
	f.StringVarP(&flagOverrides.Harness.EnvVar, "env-var", "e", "", "Inventory variable set to \"docker\" (default env)")
	f.StringVarP(&flagOverrides.Harness.RootDir, "root-dir", "r", "", "Ansible root directory holding roles/ (default: working directory)")
	f.BoolVarP(&flagOverrides.Harness.SkipBuildImages, "skip-build-images", "s", false, "Reuse existing core and base images")
	f.BoolVar(&pullOverride, "pull", true, "Pull the default image before building the core image")

	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json, pretty)")
}

// applyFlagOverrides merges CLI flag values into the loaded config.
// Strings override when non-empty, booleans when given on the command line.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if flagOverrides.Harness.BaseName != "" {
		cfg.Harness.BaseName = flagOverrides.Harness.BaseName
	}
	if flagOverrides.Harness.DefaultImage != "" {
		cfg.Harness.DefaultImage = flagOverrides.Harness.DefaultImage
	}
	if flagOverrides.Harness.EnvVar != "" {
		cfg.Harness.EnvVar = flagOverrides.Harness.EnvVar
	}
	if flagOverrides.Harness.RootDir != "" {
		cfg.Harness.RootDir = flagOverrides.Harness.RootDir
	}
	if cmd.Flags().Changed("skip-build-images") {
		cfg.Harness.SkipBuildImages = flagOverrides.Harness.SkipBuildImages
	}
	if cmd.Flags().Changed("pull") {
		pull := pullOverride
		cfg.Docker.Pull = &pull
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context, cmd *cobra.Command, role string) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("role", role),
		slog.String("baseName", cfg.Harness.BaseName),
		slog.String("defaultImage", cfg.Harness.DefaultImage),
		slog.String("rootDir", cfg.Harness.RootDir),
		slog.Bool("skipBuildImages", cfg.Harness.SkipBuildImages),
	)

	shutdown, err := otel.SetupOTelSDK(ctx, "adroit", cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, os.Stdout, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer eng.Close()

	// ---------------------------------------------------------------
	// 4. Run
	// ---------------------------------------------------------------
	rep, runErr := cfg.NewHarness(eng, os.Stdout, logger).Run(ctx, role)

	if reportPath != "" {
		if err := rep.Write(reportPath); err != nil {
			logger.Error("failed to write report", slog.String("error", err.Error()))
		}
	}

	printBanner(os.Stderr, rep)
	return runErr
}

var (
	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")).
			Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("2")).Padding(0, 1)
	failStyle = passStyle.Foreground(lipgloss.Color("1")).BorderForeground(lipgloss.Color("1"))
)

// printBanner prints the one-line verdict of the run.
func printBanner(w io.Writer, rep *report.Report) {
	fmt.Fprintln(w, bannerText(rep))
}

func bannerText(rep *report.Report) string {
	if rep.Status == report.StatusPassed {
		msg := fmt.Sprintf("PASS  role %s", rep.Role)
		if rep.CleanupError != "" {
			msg += fmt.Sprintf(" (container %s left running)", rep.ContainerID)
		}
		return passStyle.Render(msg)
	}
	msg := fmt.Sprintf("FAIL  role %s", rep.Role)
	if rep.Outcome == roletest.OutcomePaused.String() {
		msg += fmt.Sprintf(" (container %s paused)", rep.ContainerID)
	}
	return failStyle.Render(msg)
}
