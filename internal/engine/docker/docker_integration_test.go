//go:build integration

package docker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"go.opentelemetry.io/otel"

	"github.com/terrpan/adroit/internal/engine"
)

// DockerEngineSuite tests the Docker engine against a real Docker daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerEngineSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerEngineSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	_, err = cli.Ping(context.Background())
	require.NoError(s.T(), err, "Docker daemon must be reachable")
}

func (s *DockerEngineSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerEngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 2*time.Minute)
}

func (s *DockerEngineSuite) TearDownTest() {
	s.cancel()
}

func TestDockerEngineSuite(t *testing.T) {
	suite.Run(t, new(DockerEngineSuite))
}

func (s *DockerEngineSuite) newTestEngine(out io.Writer) *Engine {
	if out == nil {
		out = io.Discard
	}
	return &Engine{
		client: s.docker,
		out:    out,
		logger: s.logger,
		tracer: otel.Tracer("test"),
	}
}

// sleeper starts a long-running alpine container through testcontainers and
// returns its ID.  testcontainers' reaper cleans it up if a test fails
// before removing it itself.
func (s *DockerEngineSuite) sleeper() string {
	c, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: s.testImage,
			Cmd:   []string{"sleep", "300"},
		},
		Started: true,
	})
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = testcontainers.TerminateContainer(c) })
	return c.GetContainerID()
}

func (s *DockerEngineSuite) containerExists(id string) bool {
	_, err := s.docker.ContainerInspect(s.ctx, id)
	return err == nil
}

// ---------------------------------------------------------------------------
// Constructor
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestNew_PingsDaemon() {
	e, err := New(s.ctx, Config{}, s.logger)
	require.NoError(s.T(), err)
	defer e.Close()
	assert.Equal(s.T(), io.Discard, e.out)
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestPullImage() {
	e := s.newTestEngine(nil)
	require.NoError(s.T(), e.PullImage(s.ctx, s.testImage))
}

func (s *DockerEngineSuite) TestPullImage_UnknownRef() {
	e := s.newTestEngine(nil)
	err := e.PullImage(s.ctx, "adroit-does-not-exist/nothing:never")
	assert.Error(s.T(), err)
}

func (s *DockerEngineSuite) TestBuildImage() {
	var out bytes.Buffer
	e := s.newTestEngine(&out)
	tag := "adroit-integration:build"

	err := e.BuildImage(s.ctx, "FROM "+s.testImage+"\nRUN printf '%b' 'a\\nb' > /x\n", tag)
	require.NoError(s.T(), err)
	defer s.docker.ImageRemove(context.Background(), tag, image.RemoveOptions{Force: true})

	_, err = s.docker.ImageInspect(s.ctx, tag)
	assert.NoError(s.T(), err)
	assert.NotEmpty(s.T(), out.String(), "build progress should be streamed")
}

func (s *DockerEngineSuite) TestBuildImage_FailingStep() {
	e := s.newTestEngine(nil)
	err := e.BuildImage(s.ctx, "FROM "+s.testImage+"\nRUN exit 3\n", "adroit-integration:broken")
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Container lifecycle
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestRunContainer_AndRemove() {
	e := s.newTestEngine(nil)

	id, err := e.RunContainer(s.ctx, engine.RunSpec{
		Image:  s.testImage,
		Cmd:    []string{"sleep", "300"},
		Env:    []string{"container=docker"},
		Labels: map[string]string{"org.adroit.role": "integration"},
		Mounts: []engine.Mount{{Source: s.T().TempDir(), Target: "/mnt/ro:v2", ReadOnly: true}},
	})
	require.NoError(s.T(), err)
	assert.True(s.T(), s.containerExists(id))

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "integration", info.Config.Labels["org.adroit.role"])
	assert.Contains(s.T(), info.Config.Env, "container=docker")
	require.Len(s.T(), info.Mounts, 1)
	assert.Equal(s.T(), "/mnt/ro:v2", info.Mounts[0].Destination)
	assert.False(s.T(), info.Mounts[0].RW)

	require.NoError(s.T(), e.RemoveContainer(s.ctx, id))
	assert.False(s.T(), s.containerExists(id))
}

func (s *DockerEngineSuite) TestRunContainer_MissingMountSource() {
	e := s.newTestEngine(nil)
	_, err := e.RunContainer(s.ctx, engine.RunSpec{
		Image:  s.testImage,
		Cmd:    []string{"sleep", "300"},
		Mounts: []engine.Mount{{Source: "/adroit-does-not-exist/roles/base", Target: "/mnt"}},
	})
	assert.Error(s.T(), err, "a missing bind source must not be created")
}

func (s *DockerEngineSuite) TestRunContainer_UnknownImage() {
	e := s.newTestEngine(nil)
	_, err := e.RunContainer(s.ctx, engine.RunSpec{Image: "adroit-does-not-exist:never"})
	assert.Error(s.T(), err)
}

func (s *DockerEngineSuite) TestExec_StreamsOutputAndExitCode() {
	e := s.newTestEngine(nil)
	id := s.sleeper()

	var out bytes.Buffer
	code, err := e.Exec(s.ctx, id, []string{"sh", "-c", "echo changed=2; echo oops >&2; exit 4"}, &out)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 4, code)
	assert.Contains(s.T(), out.String(), "changed=2")
	assert.Contains(s.T(), out.String(), "oops")
}

func (s *DockerEngineSuite) TestExec_EmptyCommand() {
	e := s.newTestEngine(nil)
	_, err := e.Exec(s.ctx, "whatever", nil, io.Discard)
	assert.Error(s.T(), err)
}

func (s *DockerEngineSuite) TestPauseContainer() {
	e := s.newTestEngine(nil)
	id := s.sleeper()

	require.NoError(s.T(), e.PauseContainer(s.ctx, id))

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)
	assert.True(s.T(), info.State.Paused)

	// Paused containers still have to be removable for cleanup.
	require.NoError(s.T(), e.RemoveContainer(s.ctx, id))
}

func (s *DockerEngineSuite) TestCommitContainer() {
	e := s.newTestEngine(nil)
	id := s.sleeper()
	tag := "adroit-integration:commit"

	_, err := e.Exec(s.ctx, id, []string{"touch", "/committed"}, io.Discard)
	require.NoError(s.T(), err)

	err = e.CommitContainer(s.ctx, id, tag, []string{`LABEL org.adroit.core-image="alpine"`, `CMD ["/bin/sh"]`})
	require.NoError(s.T(), err)
	defer s.docker.ImageRemove(context.Background(), tag, image.RemoveOptions{Force: true})

	info, err := s.docker.ImageInspect(s.ctx, tag)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "alpine", info.Config.Labels["org.adroit.core-image"])
	assert.Equal(s.T(), []string{"/bin/sh"}, []string(info.Config.Cmd))
}

func (s *DockerEngineSuite) TestRemoveContainer_DoubleRemove() {
	e := s.newTestEngine(nil)
	id := s.sleeper()

	require.NoError(s.T(), e.RemoveContainer(s.ctx, id))

	// Docker returns an error for a container that no longer exists.
	err := e.RemoveContainer(s.ctx, id)
	assert.Error(s.T(), err)
}
