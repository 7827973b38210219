// Package playbook applies a single role inside a test container with
// ansible-playbook and checks the reported change count.
package playbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/adroit/internal/engine"
)

const (
	// Path is where the single-role playbook lives inside test images.
	Path = "/etc/ansible/role.yml"

	// InventoryPath is where the inventory is mounted inside containers.
	InventoryPath = "/etc/ansible/hosts"

	// RolesDir holds one mounted directory per role under test.
	RolesDir = "/etc/ansible/roles"

	// RoleVar is the extra var naming the role to apply.
	RoleVar = "role"
)

var (
	// ErrPlaybookFailed is the sentinel error wrapped by PlaybookError.
	ErrPlaybookFailed = errors.New("playbook failed")

	// ErrNotIdempotent is the sentinel error wrapped by IdempotencyError.
	ErrNotIdempotent = errors.New("role is not idempotent")
)

var changedRe = regexp.MustCompile(`changed=(\d+)`)

// PlaybookError is returned when ansible-playbook exits non-zero.
type PlaybookError struct {
	Role        string
	ContainerID string
	ExitCode    int
}

func (e *PlaybookError) Error() string {
	return fmt.Sprintf("role %s failed with exit code %d (debug: %s)",
		e.Role, e.ExitCode, engine.DebugCommand(e.ContainerID))
}

// Unwrap returns ErrPlaybookFailed for errors.Is compatibility.
func (e *PlaybookError) Unwrap() error { return ErrPlaybookFailed }

// IdempotencyError is returned when the idempotency pass still reports
// changes.
type IdempotencyError struct {
	Role        string
	ContainerID string
	Changed     int
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("role %s is not idempotent: %d changes on second run (debug: %s)",
		e.Role, e.Changed, engine.DebugCommand(e.ContainerID))
}

// Unwrap returns ErrNotIdempotent for errors.Is compatibility.
func (e *IdempotencyError) Unwrap() error { return ErrNotIdempotent }

// Descriptor returns the playbook that applies the role named by the
// "role" extra var to every host.
func Descriptor() (string, error) {
	type play struct {
		Hosts string   `yaml:"hosts"`
		Roles []string `yaml:"roles"`
	}
	out, err := yaml.Marshal([]play{{
		Hosts: "all",
		Roles: []string{"{{ " + RoleVar + " }}"},
	}})
	if err != nil {
		return "", fmt.Errorf("marshal playbook: %w", err)
	}
	return string(out), nil
}

// Command returns the ansible-playbook invocation applying role.
func Command(role string) []string {
	return []string{
		"ansible-playbook",
		"-i", InventoryPath,
		Path,
		"-e", RoleVar + "=" + role,
	}
}

// Config holds the Applier's collaborators.
type Config struct {
	Engine engine.Engine
	// Out receives the playbook output and failure messages.
	Out    io.Writer
	Logger *slog.Logger
	// OnChanged, if set, is called with the change count of every
	// successful run.
	OnChanged func(ctx context.Context, role string, changed int, idempotencyPass bool)
}

// Applier runs the role playbook inside containers.
type Applier struct {
	engine    engine.Engine
	out       io.Writer
	logger    *slog.Logger
	tracer    trace.Tracer
	onChanged func(ctx context.Context, role string, changed int, idempotencyPass bool)
}

// New creates an Applier.
func New(cfg Config) *Applier {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Applier{
		engine:    cfg.Engine,
		out:       cfg.Out,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("adroit/playbook"),
		onChanged: cfg.OnChanged,
	}
}

// Apply runs the playbook for role in the container.  With
// checkIdempotency set, any reported change is a failure.
func (a *Applier) Apply(ctx context.Context, role, containerID string, checkIdempotency bool) error {
	ctx, span := a.tracer.Start(ctx, "playbook.Apply", trace.WithAttributes(
		attribute.String("role", role),
		attribute.String("container.id", containerID),
		attribute.Bool("idempotency_check", checkIdempotency),
	))
	defer span.End()

	a.logger.Info("applying role",
		slog.String("role", role),
		slog.String("containerID", containerID),
		slog.Bool("idempotencyCheck", checkIdempotency),
	)

	w := &changeWriter{out: a.out}
	code, err := a.engine.Exec(ctx, containerID, Command(role), w)
	if err != nil {
		return fmt.Errorf("exec playbook for %s in %s: %w", role, containerID, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write playbook output: %w", err)
	}
	span.SetAttributes(attribute.Int("exit_code", code), attribute.Int("changed", w.changed))

	if code != 0 {
		fmt.Fprintf(a.out, "\nRole %s failed. Debug with:\n  %s\n", role, engine.DebugCommand(containerID))
		return &PlaybookError{Role: role, ContainerID: containerID, ExitCode: code}
	}

	if a.onChanged != nil {
		a.onChanged(ctx, role, w.changed, checkIdempotency)
	}

	if checkIdempotency && w.changed > 0 {
		fmt.Fprintf(a.out, "\nIdempotency check failed for role %s: %d changes. Debug with:\n  %s\n",
			role, w.changed, engine.DebugCommand(containerID))
		return &IdempotencyError{Role: role, ContainerID: containerID, Changed: w.changed}
	}

	a.logger.Info("role applied",
		slog.String("role", role),
		slog.Int("changed", w.changed),
	)
	return nil
}

// changeWriter passes output through line by line and remembers the last
// changed=N it saw.
type changeWriter struct {
	out     io.Writer
	buf     []byte
	changed int
}

func (w *changeWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		if err := w.line(w.buf[:i+1]); err != nil {
			return 0, err
		}
		w.buf = w.buf[i+1:]
	}
}

// Flush emits a trailing line that had no newline.
func (w *changeWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.line(w.buf)
	w.buf = nil
	return err
}

func (w *changeWriter) line(l []byte) error {
	if m := changedRe.FindAllSubmatch(l, -1); len(m) > 0 {
		n, err := strconv.Atoi(string(m[len(m)-1][1]))
		if err != nil {
			// Only overflow gets here; a count too large to parse is
			// still a change.
			n = math.MaxInt
		}
		w.changed = n
	}
	_, err := w.out.Write(l)
	return err
}
