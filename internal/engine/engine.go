// Package engine defines the abstraction over the container engine that
// role tests run on. The Docker implementation lives in engine/docker; the
// rest of the harness only talks to the Engine interface so it can be
// exercised against a recording fake in tests.
package engine

import (
	"context"
	"io"
)

// Engine is the contract every container backend must satisfy.
//
// Role test containers are long-lived compared to the engine calls made
// against them.  The lifecycle the harness drives is:
//
//	RunContainer → Exec (fixup) → Exec (playbook) … → RemoveContainer
//	                                             ╰─→ PauseContainer (on failure)
//
// Container and image identifiers are opaque strings owned by the backend.
type Engine interface {
	// PullImage fetches ref from its registry.  Callers decide whether a
	// failure is fatal.
	PullImage(ctx context.Context, ref string) error

	// BuildImage builds an image from dockerfile (the full text of the
	// build file, used as the only file of the build context) and tags
	// it as tag.
	BuildImage(ctx context.Context, dockerfile string, tag string) error

	// RunContainer creates and starts a detached container and returns
	// its id.  A container that was created but failed to start must be
	// removed before returning an error.
	RunContainer(ctx context.Context, spec RunSpec) (id string, err error)

	// Exec runs cmd inside the container, copying its stdout and stderr
	// to out as it arrives, and returns the process exit code.  A
	// non-nil error means the exec session itself could not be run; a
	// non-zero exit code alone is not an error.
	Exec(ctx context.Context, id string, cmd []string, out io.Writer) (exitCode int, err error)

	// CommitContainer snapshots the container's filesystem as tag,
	// applying changes (Dockerfile instructions such as CMD or LABEL).
	CommitContainer(ctx context.Context, id string, tag string, changes []string) error

	// RemoveContainer force-removes the container.
	RemoveContainer(ctx context.Context, id string) error

	// PauseContainer freezes every process in the container so it can be
	// inspected later.
	PauseContainer(ctx context.Context, id string) error
}

// RunSpec describes a container to start.
type RunSpec struct {
	Image      string
	Cmd        []string
	Env        []string
	Mounts     []Mount
	Labels     map[string]string
	Privileged bool
}

// Mount is a host path bind-mounted into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// DebugCommand returns the command an operator can paste to get a shell in
// the container identified by id.
func DebugCommand(id string) string {
	return "docker exec -it " + id + " /bin/bash"
}

// PausedDebugCommand is DebugCommand for a paused container, which has to
// be unpaused before it accepts exec sessions.
func PausedDebugCommand(id string) string {
	return "docker unpause " + id + " && " + DebugCommand(id)
}
