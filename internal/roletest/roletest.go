// Package roletest runs the role test: a container from the base image, a
// first pass applying the role and a second pass that must report no
// changes.
package roletest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/adroit/internal/container"
	"github.com/terrpan/adroit/internal/engine"
	"github.com/terrpan/adroit/internal/image"
	"github.com/terrpan/adroit/internal/playbook"
)

// ErrTestFailed is the sentinel error wrapped by TestFailure.
var ErrTestFailed = errors.New("role test failed")

// Outcome is how a role test left its container.
type Outcome int

const (
	// OutcomeRemoved means the test passed and the container is gone.
	OutcomeRemoved Outcome = iota
	// OutcomePaused means the test failed and the container was paused
	// for inspection.
	OutcomePaused
	// OutcomeFailedClean means the test failed before a container existed.
	OutcomeFailedClean
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRemoved:
		return "removed"
	case OutcomePaused:
		return "paused"
	case OutcomeFailedClean:
		return "failed-clean"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes a finished role test.
type Result struct {
	Role        string
	ContainerID string
	Outcome     Outcome
	// RemoveErr is set when a passing test's container could not be
	// removed and was left running.
	RemoveErr error
}

// TestFailure is returned when a role test fails.  ContainerID is empty
// when the container never started.
type TestFailure struct {
	Role        string
	ContainerID string
	Err         error
}

func (e *TestFailure) Error() string {
	if e.ContainerID == "" {
		return fmt.Sprintf("test of role %s failed: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("test of role %s failed: %v; container %s is paused, inspect with: %s",
		e.Role, e.Err, e.ContainerID, engine.PausedDebugCommand(e.ContainerID))
}

// Unwrap exposes both ErrTestFailed and the underlying cause.
func (e *TestFailure) Unwrap() []error { return []error{ErrTestFailed, e.Err} }

// Config holds the Tester's collaborators.
type Config struct {
	// BaseImage is the image role containers start from.
	BaseImage string
	Runner    *container.Runner
	Applier   *playbook.Applier
	Logger    *slog.Logger
}

// Tester runs role tests.
type Tester struct {
	baseImage string
	runner    *container.Runner
	applier   *playbook.Applier
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Tester.
func New(cfg Config) *Tester {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tester{
		baseImage: cfg.BaseImage,
		runner:    cfg.Runner,
		applier:   cfg.Applier,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("adroit/roletest"),
	}
}

// TestRole tests role.  The base role is already part of the base image,
// so for it only the idempotency pass runs.
//
// Once the container is up it is removed if the test passes and paused if
// anything fails, whichever way the function returns.
func (t *Tester) TestRole(ctx context.Context, role string) (res Result, err error) {
	ctx, span := t.tracer.Start(ctx, "roletest.TestRole", trace.WithAttributes(
		attribute.String("role", role),
		attribute.String("image", t.baseImage),
	))
	defer span.End()

	res = Result{Role: role, Outcome: OutcomeFailedClean}

	c, err := t.runner.Start(ctx, role, t.baseImage)
	if err != nil {
		return res, &TestFailure{Role: role, Err: err}
	}
	res.ContainerID = c.ID
	span.SetAttributes(attribute.String("container.id", c.ID))

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err == nil {
			res.Outcome = OutcomeRemoved
			if rmErr := t.runner.Remove(cleanupCtx, c); rmErr != nil {
				res.RemoveErr = rmErr
				t.logger.Error("container left behind, remove it by hand",
					slog.String("role", role),
					slog.String("containerID", c.ID),
					slog.String("error", rmErr.Error()),
				)
			}
			return
		}

		res.Outcome = OutcomePaused
		if pErr := t.runner.Pause(cleanupCtx, c); pErr != nil {
			t.logger.Warn("failed to pause container",
				slog.String("containerID", c.ID),
				slog.String("error", pErr.Error()),
			)
		}
		err = &TestFailure{Role: role, ContainerID: c.ID, Err: err}
	}()

	if role != image.BaseRole {
		if err := t.applier.Apply(ctx, role, c.ID, false); err != nil {
			return res, err
		}
	}

	if err := t.applier.Apply(ctx, role, c.ID, true); err != nil {
		return res, err
	}

	t.logger.Info("role test passed", slog.String("role", role))
	return res, nil
}
