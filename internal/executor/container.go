package executor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/satchel/squire/internal/config"
)

// Container runs each query as a command in an ephemeral Docker container
// with a memory cap, a pinned network mode, and the working directory bind
// mounted at /workspace. Stateless backend: no continuation token.
type Container struct {
	client   *client.Client
	image    string
	memory   int64
	network  string
	fallback string
}

// NewContainer builds the Docker backend. fallbackWorkspace is bind mounted
// when a request carries no working directory of its own.
func NewContainer(cfg config.ContainerExecutorConfig, fallbackWorkspace string) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}

	return &Container{
		client:   cli,
		image:    image,
		memory:   memoryMB * 1024 * 1024,
		network:  network,
		fallback: fallbackWorkspace,
	}, nil
}

func (c *Container) Name() string { return "container" }

func (c *Container) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	workspace := req.CWD
	if workspace == "" {
		workspace = c.fallback
	}

	resp, err := c.client.ContainerCreate(ctx, &container.Config{
		Image:      c.image,
		Cmd:        []string{"sh", "-c", req.Prompt},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: c.memory,
		},
		NetworkMode: container.NetworkMode(c.network),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "container", ExitCode: -1, Err: fmt.Errorf("create container: %w", err),
		}
	}

	containerID := resp.ID

	if err := c.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "container", ExitCode: -1, Err: fmt.Errorf("start container: %w", err),
		}
	}

	var exitCode int
	statusCh, errCh := c.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "container", ExitCode: -1, Err: fmt.Errorf("wait container: %w", err),
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		// Kill with a fresh context: ctx is already dead.
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.client.ContainerKill(killCtx, containerID, "SIGKILL")
		return Result{Duration: time.Since(start)}, ctx.Err()
	}

	// AutoRemove races log collection; logs read with the original ctx so a
	// cancel mid-read still unwinds.
	out, err := c.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{
			ExitCode: exitCode,
			Duration: time.Since(start),
		}, nil
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return Result{
		Output:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// Close releases the docker client.
func (c *Container) Close() error {
	return c.client.Close()
}
