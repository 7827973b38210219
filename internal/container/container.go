// Package container starts and tears down role test containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"mvdan.cc/sh/v3/syntax"

	"github.com/terrpan/adroit/internal/engine"
	"github.com/terrpan/adroit/internal/inventory"
	"github.com/terrpan/adroit/internal/playbook"
)

const (
	// RoleLabel marks containers with the role they test.
	RoleLabel = "org.adroit.role"

	// TestVarsFile is the role-relative vars file linked into group_vars
	// when present.
	TestVarsFile = "tests/vars.yml"

	// GroupVarsFile is where test vars are linked inside the container.
	GroupVarsFile = "/etc/ansible/group_vars/all.yml"

	// DefaultInit is the init process containers run.
	DefaultInit = "/sbin/init"

	cgroupDir = "/sys/fs/cgroup"
)

// Container is a running role test container.
type Container struct {
	ID   string
	Role string
	// InventoryPath is the host file mounted as the container's inventory.
	InventoryPath string
}

// Config holds the Runner's settings.
type Config struct {
	// RootDir is the Ansible tree; roles live in RootDir/roles/<role>.
	RootDir string

	// InventoryDir receives the per-container inventory files.
	// Default: os.TempDir().
	InventoryDir string

	// Init is the container command.  Default: DefaultInit.
	Init string

	Inventory inventory.Builder
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Runner starts role test containers.
type Runner struct {
	rootDir      string
	inventoryDir string
	init         string
	inventory    inventory.Builder
	engine       engine.Engine
	logger       *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.InventoryDir == "" {
		cfg.InventoryDir = os.TempDir()
	}
	if cfg.Init == "" {
		cfg.Init = DefaultInit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		rootDir:      cfg.RootDir,
		inventoryDir: cfg.InventoryDir,
		init:         cfg.Init,
		inventory:    cfg.Inventory,
		engine:       cfg.Engine,
		logger:       cfg.Logger,
	}
}

// RoleDir returns the host directory of role.
func (r *Runner) RoleDir(role string) string {
	return filepath.Join(r.rootDir, "roles", role)
}

// Start runs a container for role from image.  On any error no container
// is left behind and no handle is returned.
func (r *Runner) Start(ctx context.Context, role, image string) (*Container, error) {
	invPath, err := r.writeInventory(role)
	if err != nil {
		return nil, err
	}

	roleDir, err := filepath.Abs(r.RoleDir(role))
	if err != nil {
		r.removeInventory(invPath)
		return nil, fmt.Errorf("resolve role dir for %s: %w", role, err)
	}

	id, err := r.engine.RunContainer(ctx, engine.RunSpec{
		Image:      image,
		Cmd:        []string{r.init},
		Privileged: true,
		Env: []string{
			"container=docker",
			"PYTHONUNBUFFERED=1",
		},
		Mounts: []engine.Mount{
			{Source: cgroupDir, Target: cgroupDir, ReadOnly: true},
			{Source: roleDir, Target: playbook.RolesDir + "/" + role, ReadOnly: true},
			{Source: invPath, Target: playbook.InventoryPath, ReadOnly: true},
		},
		Labels: map[string]string{RoleLabel: role},
	})
	if err != nil {
		r.removeInventory(invPath)
		return nil, fmt.Errorf("run container for %s: %w", role, err)
	}

	c := &Container{ID: id, Role: role, InventoryPath: invPath}

	if err := r.fixup(ctx, c); err != nil {
		if rmErr := r.Remove(context.WithoutCancel(ctx), c); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return nil, err
	}

	r.logger.Info("container ready",
		slog.String("role", role),
		slog.String("image", image),
		slog.String("containerID", id),
	)
	return c, nil
}

// Remove force-removes the container and deletes its inventory file.
func (r *Runner) Remove(ctx context.Context, c *Container) error {
	err := r.engine.RemoveContainer(ctx, c.ID)
	r.removeInventory(c.InventoryPath)
	if err != nil {
		return fmt.Errorf("remove container for %s: %w", c.Role, err)
	}
	return nil
}

// Pause freezes the container for inspection.  The inventory file stays
// in place because the container still mounts it.
func (r *Runner) Pause(ctx context.Context, c *Container) error {
	if err := r.engine.PauseContainer(ctx, c.ID); err != nil {
		return fmt.Errorf("pause container for %s: %w", c.Role, err)
	}
	return nil
}

// fixup links the role's test vars into group_vars.  The link command's
// exit status is ignored: most roles have no test vars.
func (r *Runner) fixup(ctx context.Context, c *Container) error {
	script, err := FixupScript(c.Role)
	if err != nil {
		return fmt.Errorf("fixup script for %s: %w", c.Role, err)
	}

	code, err := r.engine.Exec(ctx, c.ID, []string{"sh", "-c", script}, io.Discard)
	if err != nil {
		return fmt.Errorf("fixup in %s: %w", c.ID, err)
	}
	r.logger.Debug("fixup done",
		slog.String("containerID", c.ID),
		slog.Int("exitCode", code),
	)
	return nil
}

// FixupScript returns the shell snippet linking role's test vars.
func FixupScript(role string) (string, error) {
	src, err := syntax.Quote(playbook.RolesDir+"/"+role+"/"+TestVarsFile, syntax.LangPOSIX)
	if err != nil {
		return "", err
	}
	dst, err := syntax.Quote(GroupVarsFile, syntax.LangPOSIX)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("test -f %s && mkdir -p \"$(dirname %s)\" && ln -sf %s %s", src, dst, src, dst), nil
}

func (r *Runner) writeInventory(role string) (string, error) {
	name := fmt.Sprintf("adroit-%s-%s.ini", role, uuid.NewString())
	path := filepath.Join(r.inventoryDir, name)
	if err := os.WriteFile(path, []byte(r.inventory.Render(role)), 0o644); err != nil {
		return "", fmt.Errorf("write inventory for %s: %w", role, err)
	}
	return path, nil
}

func (r *Runner) removeInventory(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove inventory file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
