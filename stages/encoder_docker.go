package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrDockerUnavailable is returned when the Docker daemon cannot be reached.
var ErrDockerUnavailable = errors.New("docker not available")

// DockerEncoder runs ffmpeg inside a long-lived container. The given host
// directories are bind-mounted at the same paths so job paths need no
// translation.
type DockerEncoder struct {
	mu          sync.Mutex
	client      client.APIClient
	image       string
	dirs        []string
	containerID string
	logger      *slog.Logger
}

// NewDockerEncoder connects to the Docker daemon from the environment.
func NewDockerEncoder(ctx context.Context, img string, dirs []string, logger *slog.Logger) (*DockerEncoder, error) {
	if img == "" {
		return nil, errors.New("docker encoder: image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker encoder: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	return &DockerEncoder{client: cli, image: img, dirs: dirs, logger: logger}, nil
}

// ensureContainer creates or reuses the encoder container.
func (e *DockerEncoder) ensureContainer(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID != "" {
		info, err := e.client.ContainerInspect(ctx, e.containerID)
		if err == nil && info.State.Running {
			return e.containerID, nil
		}
		e.containerID = ""
	}

	if err := e.ensureImage(ctx); err != nil {
		return "", fmt.Errorf("docker encoder: pull image: %w", err)
	}

	mounts := make([]mount.Mount, 0, len(e.dirs))
	for _, d := range e.dirs {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: d, Target: d})
	}
	resp, err := e.client.ContainerCreate(ctx,
		&container.Config{
			Image:      e.image,
			Entrypoint: []string{"sleep"},
			Cmd:        []string{"infinity"},
		},
		&container.HostConfig{Mounts: mounts, NetworkMode: "none"},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker encoder: create container: %w", err)
	}
	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = e.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("docker encoder: start container: %w", err)
	}
	e.containerID = resp.ID
	logger(e.logger).Info("ffmpeg container started", slog.String("container", resp.ID[:min(12, len(resp.ID))]))
	return resp.ID, nil
}

// ensureImage pulls the image if not present locally.
func (e *DockerEncoder) ensureImage(ctx context.Context) error {
	if _, err := e.client.ImageInspect(ctx, e.image); err == nil {
		return nil
	}
	reader, err := e.client.ImagePull(ctx, e.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// exec runs cmd in the container, demultiplexing its output.
func (e *DockerEncoder) exec(ctx context.Context, cmd []string, stdout, stderr io.Writer) (int, error) {
	id, err := e.ensureContainer(ctx)
	if err != nil {
		return -1, err
	}
	execResp, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("container exec create: %w", err)
	}
	attach, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("container exec attach: %w", err)
	}
	defer attach.Close()

	copyErr := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyErr <- err
	}()
	select {
	case err := <-copyErr:
		if err != nil {
			return -1, fmt.Errorf("container exec read: %w", err)
		}
	case <-ctx.Done():
		// The exec keeps running inside the container; dropping the
		// container is the only way to stop it.
		e.reset()
		return -1, ctx.Err()
	}

	inspect, err := e.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("container exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// Probe implements Encoder.
func (e *DockerEncoder) Probe(ctx context.Context, path string) (time.Duration, error) {
	var stdout, stderr bytes.Buffer
	code, err := e.exec(ctx, append([]string{"ffprobe"}, probeArgs(path)...), &stdout, &stderr)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("ffprobe exited %d: %s", code, tail(stderr.Bytes(), 500))
	}
	return parseSeconds(stdout.String())
}

// Encode implements Encoder.
func (e *DockerEncoder) Encode(ctx context.Context, job EncodeJob, progress func(time.Duration)) error {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		parseProgress(pr, progress)
		_, _ = io.Copy(io.Discard, pr)
	}()

	var stderr bytes.Buffer
	code, err := e.exec(ctx, append([]string{"ffmpeg"}, ffmpegArgs(job)...), pw, &stderr)
	pw.Close()
	<-done
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("ffmpeg exited %d: %s", code, tail(stderr.Bytes(), 800))
	}
	return nil
}

// reset force-removes the current container.
func (e *DockerEncoder) reset() {
	e.mu.Lock()
	id := e.containerID
	e.containerID = ""
	e.mu.Unlock()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// Close removes the container and closes the Docker client.
func (e *DockerEncoder) Close() error {
	e.reset()
	return e.client.Close()
}
