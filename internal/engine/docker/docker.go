// Package docker implements the engine.Engine interface on top of the
// Docker daemon API.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/adroit/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Host overrides the daemon address (e.g. "unix:///var/run/docker.sock").
	// Empty means DOCKER_HOST or the platform default.
	Host string

	// Output receives pull and build progress.  Default: io.Discard.
	Output io.Writer
}

// Engine runs role test containers on a Docker daemon.
type Engine struct {
	client *dockerclient.Client
	out    io.Writer
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine and verifies the daemon is reachable.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}

	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ping, err := client.Ping(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	logger.Debug("connected to docker daemon",
		slog.String("host", client.DaemonHost()),
		slog.String("apiVersion", ping.APIVersion),
	)

	return &Engine{
		client: client,
		out:    cfg.Output,
		logger: logger,
		tracer: otel.Tracer("adroit/engine/docker"),
	}, nil
}

// Close releases the underlying API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// PullImage pulls ref and streams progress to the configured output.
func (e *Engine) PullImage(ctx context.Context, ref string) (err error) {
	ctx, span := e.start(ctx, "docker.PullImage", attribute.String("image.ref", ref))
	defer func() { end(span, err) }()

	e.logger.Info("pulling image", slog.String("image", ref))

	pull, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer pull.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(pull, e.out, 0, false, nil); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

// BuildImage sends dockerfile as a single-file build context and tags the
// result.  Errors reported inside the build stream fail the build.
func (e *Engine) BuildImage(ctx context.Context, dockerfile string, tag string) (err error) {
	ctx, span := e.start(ctx, "docker.BuildImage", attribute.String("image.tag", tag))
	defer func() { end(span, err) }()

	buildCtx, err := dockerfileContext(dockerfile)
	if err != nil {
		return fmt.Errorf("build context for %s: %w", tag, err)
	}

	e.logger.Info("building image", slog.String("tag", tag))

	resp, err := e.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, e.out, 0, false, nil); err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	return nil
}

// RunContainer creates and starts a detached container from spec.
func (e *Engine) RunContainer(ctx context.Context, spec engine.RunSpec) (_ string, err error) {
	ctx, span := e.start(ctx, "docker.RunContainer", attribute.String("image.ref", spec.Image))
	defer func() { end(span, err) }()

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Cmd,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		&container.HostConfig{
			Mounts:     bindMounts(spec.Mounts),
			Privileged: spec.Privileged,
		},
		nil, // networking config
		nil, // platform
		"",
	)
	if err != nil {
		return "", fmt.Errorf("container create from %s: %w", spec.Image, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", resp.ID, err)
	}

	span.SetAttributes(attribute.String("container.id", resp.ID))
	e.logger.Info("container started",
		slog.String("image", spec.Image),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// Exec runs cmd in the container and demultiplexes its output into out.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string, out io.Writer) (_ int, err error) {
	if len(cmd) == 0 {
		return -1, fmt.Errorf("exec in %s: empty command", id)
	}

	ctx, span := e.start(ctx, "docker.Exec",
		attribute.String("container.id", id),
		attribute.String("exec.cmd", cmd[0]),
	)
	defer func() { end(span, err) }()

	created, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create in %s: %w", id, err)
	}

	att, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach in %s: %w", id, err)
	}
	defer att.Close()

	if _, err := stdcopy.StdCopy(out, out, att.Reader); err != nil {
		return -1, fmt.Errorf("exec output from %s: %w", id, err)
	}

	// The stream closes when the process exits, but the daemon may
	// briefly still report it as running.
	for {
		ins, err := e.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return -1, fmt.Errorf("exec inspect in %s: %w", id, err)
		}
		if !ins.Running {
			span.SetAttributes(attribute.Int("exec.exit_code", ins.ExitCode))
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// CommitContainer snapshots the container as tag.
func (e *Engine) CommitContainer(ctx context.Context, id string, tag string, changes []string) (err error) {
	ctx, span := e.start(ctx, "docker.CommitContainer",
		attribute.String("container.id", id),
		attribute.String("image.tag", tag),
	)
	defer func() { end(span, err) }()

	resp, err := e.client.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: tag,
		Changes:   changes,
	})
	if err != nil {
		return fmt.Errorf("container commit %s as %s: %w", id, tag, err)
	}

	e.logger.Info("container committed",
		slog.String("containerID", id),
		slog.String("tag", tag),
		slog.String("imageID", resp.ID),
	)
	return nil
}

// RemoveContainer force-removes the container identified by id.
func (e *Engine) RemoveContainer(ctx context.Context, id string) (err error) {
	ctx, span := e.start(ctx, "docker.RemoveContainer", attribute.String("container.id", id))
	defer func() { end(span, err) }()

	e.logger.Info("removing container", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

// PauseContainer pauses the container identified by id.
func (e *Engine) PauseContainer(ctx context.Context, id string) (err error) {
	ctx, span := e.start(ctx, "docker.PauseContainer", attribute.String("container.id", id))
	defer func() { end(span, err) }()

	e.logger.Info("pausing container", slog.String("containerID", id))

	if err := e.client.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("container pause %s: %w", id, err)
	}
	return nil
}

// bindMounts converts mounts to typed bind mounts.  Unlike "src:dst" bind
// strings these allow ':' in paths, and the daemon refuses a missing source
// instead of creating it.
func bindMounts(mounts []engine.Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// dockerfileContext wraps dockerfile in a tar archive holding a single
// "Dockerfile" entry, the build context format the daemon expects.
func dockerfileContext(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, dockerfile); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
