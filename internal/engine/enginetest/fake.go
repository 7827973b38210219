// Package enginetest provides a recording engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/terrpan/adroit/internal/engine"
)

// Engine operation names recorded in Call.Op.
const (
	OpPull   = "pull"
	OpBuild  = "build"
	OpRun    = "run"
	OpExec   = "exec"
	OpCommit = "commit"
	OpRemove = "remove"
	OpPause  = "pause"
)

// Call is one recorded engine call.
type Call struct {
	Op string
	// Target is the image ref, tag or container id the call acted on.
	Target string
	// Args holds the exec command or commit changes.
	Args []string
	// Spec is set for OpRun.
	Spec engine.RunSpec
	// Dockerfile is set for OpBuild.
	Dockerfile string
}

// PlaybookRun scripts the result of one ansible-playbook exec.
type PlaybookRun struct {
	Output   string
	ExitCode int
	Err      error
}

// Engine is an in-memory engine.Engine that records every call.
//
// Exec calls whose command starts with "ansible-playbook" consume Playbooks
// in order; once the script is exhausted they print a zero-change recap.
// Any other exec (the post-start fixup) returns FixupExitCode / FixupErr.
type Engine struct {
	mu    sync.Mutex
	calls []Call
	next  int

	PullErr       error
	BuildErr      error
	RunErr        error
	CommitErr     error
	RemoveErr     error
	PauseErr      error
	FixupErr      error
	FixupExitCode int
	Playbooks     []PlaybookRun
}

var _ engine.Engine = (*Engine)(nil)

// New returns an Engine whose playbook execs follow runs.
func New(runs ...PlaybookRun) *Engine {
	return &Engine{Playbooks: runs}
}

// Recap renders an ansible-playbook recap reporting changed changes.
func Recap(changed int) string {
	return fmt.Sprintf("PLAY RECAP *****\nlocalhost : ok=4 changed=%d unreachable=0 failed=0\n", changed)
}

func (e *Engine) record(c Call) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

// PullImage records the pull and returns PullErr.
func (e *Engine) PullImage(_ context.Context, ref string) error {
	e.record(Call{Op: OpPull, Target: ref})
	return e.PullErr
}

// BuildImage records the build and returns BuildErr.
func (e *Engine) BuildImage(_ context.Context, dockerfile string, tag string) error {
	e.record(Call{Op: OpBuild, Target: tag, Dockerfile: dockerfile})
	return e.BuildErr
}

// RunContainer records the spec and returns a sequential container ID, or
// RunErr when set.
func (e *Engine) RunContainer(_ context.Context, spec engine.RunSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Op: OpRun, Target: spec.Image, Spec: spec})
	if e.RunErr != nil {
		return "", e.RunErr
	}
	e.next++
	return fmt.Sprintf("container-%d", e.next), nil
}

// Exec returns FixupExitCode for fixup commands. Playbook runs consume the
// queued Playbooks in order, falling back to a clean recap once it is empty.
func (e *Engine) Exec(_ context.Context, id string, cmd []string, out io.Writer) (int, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Op: OpExec, Target: id, Args: slices.Clone(cmd)})

	if len(cmd) == 0 || cmd[0] != "ansible-playbook" {
		code, err := e.FixupExitCode, e.FixupErr
		e.mu.Unlock()
		return code, err
	}

	run := PlaybookRun{Output: Recap(0)}
	if len(e.Playbooks) > 0 {
		run = e.Playbooks[0]
		e.Playbooks = e.Playbooks[1:]
	}
	e.mu.Unlock()

	if run.Err != nil {
		return -1, run.Err
	}
	// Write in small chunks so consumers see lines split across writes.
	for chunk := range slices.Chunk([]byte(run.Output), 7) {
		if _, err := out.Write(chunk); err != nil {
			return -1, err
		}
	}
	return run.ExitCode, nil
}

// CommitContainer records the commit and returns CommitErr.
func (e *Engine) CommitContainer(_ context.Context, id string, tag string, changes []string) error {
	e.record(Call{Op: OpCommit, Target: id, Args: append([]string{tag}, changes...)})
	return e.CommitErr
}

// RemoveContainer records the removal and returns RemoveErr.
func (e *Engine) RemoveContainer(_ context.Context, id string) error {
	e.record(Call{Op: OpRemove, Target: id})
	return e.RemoveErr
}

// PauseContainer records the pause and returns PauseErr.
func (e *Engine) PauseContainer(_ context.Context, id string) error {
	e.record(Call{Op: OpPause, Target: id})
	return e.PauseErr
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Ops returns the recorded operation names in order.  Playbook execs are
// reported as "playbook" to tell them apart from the fixup exec.
func (e *Engine) Ops() []string {
	calls := e.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
		if c.Op == OpExec && len(c.Args) > 0 && c.Args[0] == "ansible-playbook" {
			ops[i] = "playbook"
		}
	}
	return ops
}

// Count returns how many calls of op were recorded.
func (e *Engine) Count(op string) int {
	n := 0
	for _, c := range e.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// PlaybookCount returns how many ansible-playbook execs were recorded.
func (e *Engine) PlaybookCount() int {
	n := 0
	for _, op := range e.Ops() {
		if op == "playbook" {
			n++
		}
	}
	return n
}

// String summarises the recorded calls, for assertion messages.
func (e *Engine) String() string {
	return strings.Join(e.Ops(), " → ")
}
