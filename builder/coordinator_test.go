package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/executor"
	"github.com/conveyorcd/conveyor/registry"
)

func testRequest() Request {
	return Request{
		SourceDir:   "/work/src",
		Image:       registry.ImageRef("registry.example.com", "team/app", 42),
		Credentials: map[string]string{"REGISTRY_AUTH": "s3cret"},
		CacheDir:    "/work/cache",
	}
}

func noopStarter(stopped *atomic.Bool) DaemonStarter {
	return func(ctx context.Context) (func() error, error) {
		return func() error {
			stopped.Store(true)
			return nil
		}, nil
	}
}

func readyProbe(ctx context.Context, addr string) error { return nil }

func TestBuildAndPushIssuesOneRequest(t *testing.T) {
	var stopped atomic.Bool
	var calls int
	var gotProgram string
	var gotArgs []string
	var gotEnv map[string]string

	c := New(
		WithStarter(noopStarter(&stopped)),
		WithProbe(readyProbe),
		WithRunner(func(ctx context.Context, program string, args []string, env map[string]string) (*executor.Result, error) {
			calls++
			gotProgram = program
			gotArgs = args
			gotEnv = env
			return &executor.Result{ExitCode: 0}, nil
		}),
		WithDaemon("buildkitd", nil, "unix:///tmp/test.sock"),
	)

	req := testRequest()
	require.NoError(t, c.BuildAndPush(context.Background(), req))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "buildctl", gotProgram)
	assert.True(t, stopped.Load(), "daemon must be stopped after a successful build")

	joined := strings.Join(gotArgs, " ")
	assert.Contains(t, joined, "type=image,name=registry.example.com/team/app:42,push=true")
	assert.Contains(t, joined, "type=local,src=/work/cache")
	assert.Contains(t, joined, "type=local,dest=/work/cache")
	assert.Contains(t, joined, "context=/work/src")

	// Credentials travel via the environment, never the argument list.
	assert.NotContains(t, joined, "s3cret")
	assert.Equal(t, "s3cret", gotEnv["REGISTRY_AUTH"])
}

func TestBuildAndPushDaemonNeverReady(t *testing.T) {
	var stopped atomic.Bool

	c := New(
		WithStarter(noopStarter(&stopped)),
		WithProbe(func(ctx context.Context, addr string) error {
			return errors.New("dial unix /tmp/test.sock: connect: no such file")
		}),
		WithRunner(func(ctx context.Context, program string, args []string, env map[string]string) (*executor.Result, error) {
			t.Fatal("build must not be issued when the daemon never becomes ready")
			return nil, nil
		}),
		WithReadyTimeout(50*time.Millisecond),
		WithPollInterval(5*time.Millisecond, 20*time.Millisecond),
	)

	err := c.BuildAndPush(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeBuilderUnavailable, cerrors.CodeOf(err))
	assert.Equal(t, cerrors.SeverityFatal, cerrors.SeverityOf(err))
	assert.Contains(t, err.Error(), "builder unavailable")
	assert.True(t, stopped.Load(), "daemon must be stopped even when readiness times out")
}

func TestBuildAndPushReadyAfterRetries(t *testing.T) {
	var stopped atomic.Bool
	var probes int

	c := New(
		WithStarter(noopStarter(&stopped)),
		WithProbe(func(ctx context.Context, addr string) error {
			probes++
			if probes < 3 {
				return errors.New("connection refused")
			}
			return nil
		}),
		WithRunner(func(ctx context.Context, program string, args []string, env map[string]string) (*executor.Result, error) {
			return &executor.Result{ExitCode: 0}, nil
		}),
		WithReadyTimeout(5*time.Second),
		WithPollInterval(time.Millisecond, 10*time.Millisecond),
	)

	require.NoError(t, c.BuildAndPush(context.Background(), testRequest()))
	assert.Equal(t, 3, probes)
}

func TestBuildAndPushSurfacesBuilderError(t *testing.T) {
	var stopped atomic.Bool

	c := New(
		WithStarter(noopStarter(&stopped)),
		WithProbe(readyProbe),
		WithRunner(func(ctx context.Context, program string, args []string, env map[string]string) (*executor.Result, error) {
			return &executor.Result{
				ExitCode: 1,
				Stderr:   "error: failed to authorize: 401 Unauthorized",
			}, fmt.Errorf("command execution failed: exit status 1")
		}),
	)

	err := c.BuildAndPush(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeBuildFailed, cerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "401 Unauthorized")
	assert.True(t, stopped.Load(), "daemon must be stopped after a failed build")
}

func TestBuildAndPushDaemonStartFailure(t *testing.T) {
	c := New(
		WithStarter(func(ctx context.Context) (func() error, error) {
			return nil, errors.New("exec: \"buildkitd\": executable file not found in $PATH")
		}),
	)

	err := c.BuildAndPush(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeBuilderUnavailable, cerrors.CodeOf(err))
}

func TestBuildAndPushAbortDuringWait(t *testing.T) {
	var stopped atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())

	c := New(
		WithStarter(noopStarter(&stopped)),
		WithProbe(func(_ context.Context, addr string) error {
			cancel()
			return errors.New("connection refused")
		}),
		WithReadyTimeout(5*time.Second),
		WithPollInterval(time.Millisecond, time.Millisecond),
	)

	err := c.BuildAndPush(ctx, testRequest())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeAborted, cerrors.CodeOf(err))
	assert.True(t, stopped.Load(), "daemon must be stopped on abort")
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing source", func(r *Request) { r.SourceDir = "" }},
		{"missing cache", func(r *Request) { r.CacheDir = "" }},
		{"incomplete image", func(r *Request) { r.Image.Tag = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestSplitAddr(t *testing.T) {
	network, address, err := splitAddr("unix:///run/builder.sock")
	require.NoError(t, err)
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/run/builder.sock", address)

	network, address, err = splitAddr("tcp://127.0.0.1:1234")
	require.NoError(t, err)
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:1234", address)

	_, _, err = splitAddr("http://example.com")
	assert.Error(t, err)
}
