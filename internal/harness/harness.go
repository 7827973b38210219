// Package harness drives a complete role test: build the core image,
// build the base image, then test the role in a fresh container.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/adroit/internal/container"
	"github.com/terrpan/adroit/internal/engine"
	"github.com/terrpan/adroit/internal/image"
	"github.com/terrpan/adroit/internal/inventory"
	"github.com/terrpan/adroit/internal/playbook"
	"github.com/terrpan/adroit/internal/report"
	"github.com/terrpan/adroit/internal/roletest"
)

// Stage names, as they appear in spans, metrics and the run report.
const (
	StageCore = "core"
	StageBase = "base"
	StageTest = "test"
)

// ErrRoleNotFound is the sentinel error wrapped by RoleNotFoundError.
var ErrRoleNotFound = errors.New("role not found")

// RoleNotFoundError is returned when the role has no directory under the
// roles tree.
type RoleNotFoundError struct {
	Role string
	Path string
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("role %q not found: %s is not a directory", e.Role, e.Path)
}

// Unwrap returns ErrRoleNotFound for errors.Is compatibility.
func (e *RoleNotFoundError) Unwrap() error { return ErrRoleNotFound }

// Config holds everything a Harness needs.
type Config struct {
	// BaseName prefixes the core and base image tags.
	BaseName string
	// DefaultImage is the distro:version the core image is built from.
	DefaultImage string
	// EnvVar is the inventory variable set to "docker".
	EnvVar    string
	ExtraVars map[string]string
	// RootDir is the Ansible tree holding roles/<role>.
	RootDir      string
	InventoryDir string
	Init         string
	// SkipBuild reuses existing core and base images.
	SkipBuild bool
	// Pull pulls DefaultImage before building the core image.
	Pull bool

	Engine engine.Engine
	// EngineName is reported in the run report.  Default: "docker".
	EngineName string
	// Out receives playbook output.  Default: io.Discard.
	Out    io.Writer
	Logger *slog.Logger
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Harness runs role tests.
type Harness struct {
	rootDir      string
	defaultImage string
	skipBuild    bool
	pull         bool
	engineName   string

	runner *container.Runner
	images *image.Builder
	tester *roletest.Tester
	logger *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	stageRuns       metric.Int64Counter
	stageDuration   metric.Float64Histogram
	rolesTested     metric.Int64Counter
	playbookChanged metric.Int64Histogram
}

// New wires a Harness from cfg.
func New(cfg Config) *Harness {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.EngineName == "" {
		cfg.EngineName = "docker"
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	h := &Harness{
		rootDir:      cfg.RootDir,
		defaultImage: cfg.DefaultImage,
		skipBuild:    cfg.SkipBuild,
		pull:         cfg.Pull,
		engineName:   cfg.EngineName,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("adroit/harness"),
		meter:        cfg.MeterProvider.Meter("adroit/harness"),
	}
	h.initMetrics()

	inv := inventory.Builder{
		BaseName:  cfg.BaseName,
		EnvVar:    cfg.EnvVar,
		ExtraVars: cfg.ExtraVars,
	}
	h.runner = container.New(container.Config{
		RootDir:      cfg.RootDir,
		InventoryDir: cfg.InventoryDir,
		Init:         cfg.Init,
		Inventory:    inv,
		Engine:       cfg.Engine,
		Logger:       cfg.Logger.WithGroup("container"),
	})
	applier := playbook.New(playbook.Config{
		Engine:    cfg.Engine,
		Out:       cfg.Out,
		Logger:    cfg.Logger.WithGroup("playbook"),
		OnChanged: h.recordChanged,
	})
	h.images = image.New(image.Config{
		BaseName:  cfg.BaseName,
		Inventory: inv,
		Engine:    cfg.Engine,
		Runner:    h.runner,
		Applier:   applier,
		Logger:    cfg.Logger.WithGroup("image"),
	})
	h.tester = roletest.New(roletest.Config{
		BaseImage: image.BaseTag(cfg.BaseName),
		Runner:    h.runner,
		Applier:   applier,
		Logger:    cfg.Logger.WithGroup("roletest"),
	})
	return h
}

func (h *Harness) initMetrics() {
	var err error
	h.stageRuns, err = h.meter.Int64Counter(
		"adroit.stage.runs",
		metric.WithDescription("Harness stages run, by stage and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		h.logger.Warn("failed to create stageRuns counter", slog.String("error", err.Error()))
	}

	h.stageDuration, err = h.meter.Float64Histogram(
		"adroit.stage.duration",
		metric.WithDescription("Time spent in a harness stage (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		h.logger.Warn("failed to create stageDuration histogram", slog.String("error", err.Error()))
	}

	h.rolesTested, err = h.meter.Int64Counter(
		"adroit.roles.tested",
		metric.WithDescription("Role tests run, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		h.logger.Warn("failed to create rolesTested counter", slog.String("error", err.Error()))
	}

	h.playbookChanged, err = h.meter.Int64Histogram(
		"adroit.playbook.changed",
		metric.WithDescription("Changes reported by a playbook run"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 50, 100),
	)
	if err != nil {
		h.logger.Warn("failed to create playbookChanged histogram", slog.String("error", err.Error()))
	}
}

// Run tests role.  The returned report is never nil, even on error.
func (h *Harness) Run(ctx context.Context, role string) (rep *report.Report, err error) {
	ctx, span := h.tracer.Start(ctx, "harness.Run", trace.WithAttributes(
		attribute.String("role", role),
		attribute.String("image.ref", h.defaultImage),
		attribute.Bool("skip_build", h.skipBuild),
	))
	defer span.End()

	rep = report.New(h.engineName, role, h.defaultImage)
	defer func() {
		rep.Finish(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := h.checkRole(role); err != nil {
		return rep, err
	}

	if h.skipBuild {
		h.logger.Info("skipping image builds")
		rep.Skip(StageCore)
		rep.Skip(StageBase)
	} else {
		if err := h.stage(ctx, rep, StageCore, func(ctx context.Context) error {
			return h.images.BuildCore(ctx, h.pull, h.defaultImage)
		}); err != nil {
			return rep, err
		}
		if err := h.stage(ctx, rep, StageBase, h.images.BuildBase); err != nil {
			return rep, err
		}
	}

	var res roletest.Result
	err = h.stage(ctx, rep, StageTest, func(ctx context.Context) error {
		var testErr error
		res, testErr = h.tester.TestRole(ctx, role)
		return testErr
	})
	rep.Outcome = res.Outcome.String()
	rep.ContainerID = res.ContainerID
	if res.RemoveErr != nil {
		rep.CleanupError = res.RemoveErr.Error()
	}
	if h.rolesTested != nil {
		h.rolesTested.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", rep.Outcome)))
	}
	return rep, err
}

// checkRole fails unless RootDir/roles/<role> is a directory.
func (h *Harness) checkRole(role string) error {
	dir := h.runner.RoleDir(role)
	if role == "" || role == "." || role == ".." || strings.ContainsAny(role, `/\`) {
		return &RoleNotFoundError{Role: role, Path: dir}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &RoleNotFoundError{Role: role, Path: filepath.Clean(dir)}
	}
	return nil
}

func (h *Harness) stage(ctx context.Context, rep *report.Report, name string, fn func(context.Context) error) error {
	ctx, span := h.tracer.Start(ctx, "harness.stage."+name)
	defer span.End()

	h.logger.Info("stage started", slog.String("stage", name))
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	rep.Record(name, elapsed, err)

	result := report.StatusPassed
	if err != nil {
		result = report.StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(attribute.String("stage", name), attribute.String("result", result))
	if h.stageRuns != nil {
		h.stageRuns.Add(ctx, 1, attrs)
	}
	if h.stageDuration != nil {
		h.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", name)))
	}

	h.logger.Info("stage finished",
		slog.String("stage", name),
		slog.String("result", result),
		slog.Duration("elapsed", elapsed),
	)
	return err
}

func (h *Harness) recordChanged(ctx context.Context, role string, changed int, idempotencyPass bool) {
	if h.playbookChanged == nil {
		return
	}
	pass := "first"
	if idempotencyPass {
		pass = "idempotency"
	}
	h.playbookChanged.Record(ctx, int64(changed), metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("pass", pass),
	))
}
