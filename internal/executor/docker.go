package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
)

const (
	logDrainTimeout = 5 * time.Second
	cleanupTimeout  = 30 * time.Second
)

// containerAPI is the part of the docker client the launcher uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerLauncher runs each invocation in a fresh container of one image. The
// invocation's mounts are bind-mounted at the same paths, so paths inside the
// container match the host.
type DockerLauncher struct {
	cli   containerAPI
	image string
	log   *slog.Logger

	pullOnce sync.Once
}

func NewDockerLauncher(imageName string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerLauncher(cli, imageName), nil
}

func newDockerLauncher(cli containerAPI, imageName string) *DockerLauncher {
	return &DockerLauncher{cli: cli, image: imageName, log: logger.Get()}
}

// pull fetches the image once per launcher. A failed pull is not fatal since
// the image may exist locally.
func (d *DockerLauncher) pull(ctx context.Context) {
	d.pullOnce.Do(func() {
		reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			d.log.Warn("Failed to pull image, using local copy", "image", d.image, "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	})
}

func (d *DockerLauncher) Launch(ctx context.Context, inv ports.Invocation) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.pull(ctx)

	initProcess := true
	hostConfig := &container.HostConfig{
		Binds: bindMounts(inv.Mounts),
		Init:  &initProcess,
	}
	if inv.RequiresGPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Entrypoint: []string{inv.Path},
		Cmd:        inv.Args,
		Env:        inv.Env,
		WorkingDir: inv.Dir,
		Labels:     map[string]string{"fuzzbench.invocation": inv.Name},
	}, hostConfig, nil, nil, containerName(inv.Name))
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	p := &containerProcess{
		cli:  d.cli,
		id:   resp.ID,
		name: inv.Name,
		log:  d.log,
		done: make(chan struct{}),
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove()
		return nil, fmt.Errorf("start container: %w", err)
	}

	// Detached from ctx; cancellation stops the container through Terminate.
	logsDone := make(chan struct{})
	logs, err := d.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		d.log.Warn("Failed to attach container logs", "container", resp.ID, "error", err)
		close(logsDone)
	} else {
		go func() {
			defer close(logsDone)
			defer logs.Close()
			if _, err := stdcopy.StdCopy(writerOrDiscard(inv.Stdout), writerOrDiscard(inv.Stderr), logs); err != nil {
				d.log.Warn("Container log stream ended with error", "container", resp.ID, "error", err)
			}
		}()
	}

	statusCh, errCh := d.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)
	d.log.Debug("Container started", "name", inv.Name, "container", resp.ID, "gpu", inv.RequiresGPU)
	go p.reap(statusCh, errCh, logsDone)
	return p, nil
}

type containerProcess struct {
	cli  containerAPI
	id   string
	name string
	log  *slog.Logger

	done   chan struct{}
	status domain.ExitStatus
	err    error
}

func (p *containerProcess) reap(statusCh <-chan container.WaitResponse, errCh <-chan error, logsDone <-chan struct{}) {
	defer close(p.done)
	select {
	case st := <-statusCh:
		p.status = containerExit(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			p.err = fmt.Errorf("container wait: %s", st.Error.Message)
		}
	case err := <-errCh:
		p.err = fmt.Errorf("container wait: %w", err)
	}

	select {
	case <-logsDone:
	case <-time.After(logDrainTimeout):
		p.log.Warn("Timed out draining container logs", "container", p.id)
	}
	p.remove()
}

func (p *containerProcess) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		p.log.Warn("Failed to remove container", "container", p.id, "error", err)
	}
}

func (p *containerProcess) Wait() (domain.ExitStatus, error) {
	<-p.done
	return p.status, p.err
}

// Terminate asks docker to stop the container: SIGTERM to the init process,
// then SIGKILL once grace has passed.
func (p *containerProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	seconds := int(math.Ceil(grace.Seconds()))
	ctx, cancel := context.WithTimeout(context.Background(), grace+cleanupTimeout)
	defer cancel()
	err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", p.id, err)
	}
	return nil
}

// containerExit maps docker's 128+n convention back to a signal.
func containerExit(code int64) domain.ExitStatus {
	if code > 128 && code < 128+65 {
		return domain.ExitStatus{Code: -1, Signal: signalName(int(code - 128))}
	}
	return domain.ExitStatus{Code: int(code)}
}

func bindMounts(paths []string) []string {
	binds := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		binds = append(binds, p+":"+p)
	}
	return binds
}

// containerName builds a unique docker-safe name.
func containerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return "fuzzbench-" + b.String() + "-" + uuid.NewString()[:8]
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
