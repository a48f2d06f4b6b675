// Package docker implements the "@docker/<container-or-image>" connector on
// top of the Docker Engine API.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/transports"
)

// API is the subset of the Docker client the connector uses.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	Close() error
}

// Transport runs commands inside a container with docker exec.
type Transport struct {
	target string
	data   map[string]any

	// newAPI builds the client on connect; swapped out in tests
	newAPI func() (API, error)

	mu          sync.Mutex
	api         API
	containerID string

	// fromImage is set when Connect started a throwaway container from an image
	fromImage bool
}

// New is the transports.Factory for the docker connector. target is either a
// container ID/name or an image; docker_container_id in host data overrides it.
func New(target string, data map[string]any) (transports.Transport, error) {
	if target == "" && transports.DataString(data, "docker_container_id", "") == "" {
		return nil, fmt.Errorf("no docker container or image provided")
	}

	host := transports.DataString(data, "docker_host", "")
	return &Transport{
		target: target,
		data:   data,
		newAPI: func() (API, error) {
			opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
			if host != "" {
				opts = append(opts, dockerclient.WithHost(host))
			}
			return dockerclient.NewClientWithOpts(opts...)
		},
	}, nil
}

// NewWithAPI builds a transport over an existing client.
func NewWithAPI(target string, data map[string]any, api API) *Transport {
	return &Transport{
		target: target,
		data:   data,
		newAPI: func() (API, error) { return api, nil },
	}
}

// ContainerID returns the container commands run in, empty before Connect.
func (t *Transport) ContainerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.containerID
}

// Connect resolves the container, starting it if stopped. When the target is
// not an existing container it is treated as an image and a container is run
// from it.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.api != nil {
		return nil
	}

	api, err := t.newAPI()
	if err != nil {
		return &transports.TransportError{Op: "connect", Err: fmt.Errorf("failed to create Docker client: %w", err)}
	}

	id := transports.DataString(t.data, "docker_container_id", "")
	if id == "" {
		id = t.target
	}

	info, err := api.ContainerInspect(ctx, id)
	switch {
	case err == nil:
		if info.ContainerJSONBase != nil && info.State != nil && !info.State.Running {
			log.Info().Str("container", id).Msg("starting stopped container")
			if err := api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
				_ = api.Close()
				return &transports.TransportError{Op: "connect", Err: fmt.Errorf("failed to start container: %w", err), IsTemporary: true}
			}
		}
		t.containerID = id

	case errdefs.IsNotFound(err) && transports.DataString(t.data, "docker_container_id", "") == "":
		created, err := api.ContainerCreate(ctx, &container.Config{
			Image: t.target,
			Cmd:   []string{"tail", "-f", "/dev/null"},
		}, nil, nil, nil, "")
		if err != nil {
			_ = api.Close()
			return &transports.TransportError{Op: "connect", Err: fmt.Errorf("failed to create container from %s: %w", t.target, err)}
		}
		if err := api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			_ = api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
			_ = api.Close()
			return &transports.TransportError{Op: "connect", Err: fmt.Errorf("failed to start container: %w", err), IsTemporary: true}
		}
		log.Info().Str("image", t.target).Str("container", created.ID).Msg("started container from image")
		t.containerID = created.ID
		t.fromImage = true

	default:
		_ = api.Close()
		return &transports.TransportError{Op: "connect", Err: fmt.Errorf("failed to inspect container %s: %w", id, err), IsTemporary: true}
	}

	t.api = api
	return nil
}

// Disconnect commits and removes a container started from an image, then
// closes the client. Containers that already existed are left running.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.api == nil {
		return nil
	}
	defer func() {
		_ = t.api.Close()
		t.api = nil
	}()

	if !t.fromImage {
		log.Info().Str("container", t.containerID).Msg("docker build complete, container left running")
		return nil
	}

	ctx := context.Background()
	commit, err := t.api.ContainerCommit(ctx, t.containerID, container.CommitOptions{})
	if err != nil {
		return &transports.TransportError{Op: "disconnect", Err: fmt.Errorf("failed to commit container: %w", err)}
	}
	if err := t.api.ContainerRemove(ctx, t.containerID, container.RemoveOptions{Force: true}); err != nil {
		log.Warn().Err(err).Str("container", t.containerID).Msg("failed to remove container")
	}

	log.Info().Str("image", commit.ID).Msg("docker build complete")
	return nil
}

func (t *Transport) client() (API, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api == nil {
		return nil, "", &transports.TransportError{Op: "get-client", Err: errors.New("not connected")}
	}
	return t.api, t.containerID, nil
}

// RunShellCommand runs the command with docker exec inside the container.
func (t *Transport) RunShellCommand(ctx context.Context, command string, opts transports.CommandOptions) (*transports.CommandOutput, error) {
	api, id, err := t.client()
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	full := transports.MakeUnixCommand(command, opts)
	stdin := transports.StdinFor(opts)
	startTime := time.Now()

	log.Debug().Str("container", id).Str("command", full).Msg("executing command")

	exec, err := api.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdin:  stdin != "",
		AttachStdout: true,
		AttachStderr: true,
		Tty:          opts.GetPty,
		Cmd:          []string{"sh", "-c", full},
	})
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to create exec instance: %w", err), IsTemporary: true}
	}

	resp, err := api.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{Tty: opts.GetPty})
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to attach to exec instance: %w", err), IsTemporary: true}
	}
	defer resp.Close()

	if stdin != "" {
		if _, err := io.WriteString(resp.Conn, stdin); err != nil {
			return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to write stdin: %w", err)}
		}
		_ = resp.CloseWrite()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	doneChan := make(chan error, 1)
	go func() {
		if opts.GetPty {
			_, err := io.Copy(&stdoutBuf, resp.Reader)
			doneChan <- err
			return
		}
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, resp.Reader)
		doneChan <- err
	}()

	select {
	case <-ctx.Done():
		resp.Close()
		<-doneChan
		output := &transports.CommandOutput{
			ExitCode: -1,
			Stdout:   transports.SplitLines(stdoutBuf.String()),
			Stderr:   transports.SplitLines(stderrBuf.String()),
			Duration: time.Since(startTime),
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, &transports.TransportError{Op: "exec", Err: transports.ErrCommandTimeout}
		}
		return output, &transports.TransportError{Op: "exec", Err: ctx.Err()}
	case err := <-doneChan:
		if err != nil {
			return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to read exec output: %w", err), IsTemporary: true}
		}
	}

	inspect, err := api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to inspect exec instance: %w", err)}
	}

	return &transports.CommandOutput{
		ExitCode: inspect.ExitCode,
		Stdout:   transports.SplitLines(stdoutBuf.String()),
		Stderr:   transports.SplitLines(stderrBuf.String()),
		Duration: time.Since(startTime),
	}, nil
}

// PutFile copies a local file into the container as a single-entry tar.
// Privilege escalation options are ignored; the Engine API writes as root.
func (t *Transport) PutFile(ctx context.Context, localPath, remotePath string, _ transports.CommandOptions) error {
	api, id, err := t.client()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: fmt.Errorf("failed to read local file: %w", err)}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Base(remotePath),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	if _, err := tw.Write(data); err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	if err := tw.Close(); err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}

	if err := api.CopyToContainer(ctx, id, path.Dir(remotePath), &buf, container.CopyToContainerOptions{}); err != nil {
		return &transports.TransportError{Op: "upload", Err: fmt.Errorf("failed to copy into container: %w", err), IsTemporary: true}
	}

	log.Debug().Str("container", id).Str("local", localPath).Str("remote", remotePath).Msg("file uploaded to container")
	return nil
}

// GetFile copies a file out of the container.
func (t *Transport) GetFile(ctx context.Context, remotePath, localPath string, _ transports.CommandOptions) error {
	api, id, err := t.client()
	if err != nil {
		return err
	}

	rc, _, err := api.CopyFromContainer(ctx, id, remotePath)
	if err != nil {
		return &transports.TransportError{Op: "download", Err: fmt.Errorf("failed to copy from container: %w", err)}
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return &transports.TransportError{Op: "download", Err: fmt.Errorf("%s: no regular file in archive", remotePath)}
		}
		if err != nil {
			return &transports.TransportError{Op: "download", Err: err}
		}
		if hdr.Typeflag != tar.TypeReg || strings.Contains(hdr.Name, "/") {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return &transports.TransportError{Op: "download", Err: err}
		}
		f, err := os.Create(localPath)
		if err != nil {
			return &transports.TransportError{Op: "download", Err: err}
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return &transports.TransportError{Op: "download", Err: err}
		}

		log.Debug().Str("container", id).Str("remote", remotePath).Str("local", localPath).Msg("file downloaded from container")
		return f.Close()
	}
}

var _ transports.Transport = (*Transport)(nil)
