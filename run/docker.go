package run

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const containerLabel = "blockrunner.program"

// DockerLauncher runs each program in its own short-lived Docker container.
// The host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type DockerLauncher struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client
	Image        string
	Interpreter  string
	Env          []string

	pullMut     sync.Mutex
	imagePulled bool
}

func (l *DockerLauncher) WithLogger(log *zap.SugaredLogger) *DockerLauncher {
	l.Log = log.Named("docker_launcher")
	return l
}

func (l *DockerLauncher) WithImage(img string) *DockerLauncher {
	l.Image = img
	return l
}

func (l *DockerLauncher) WithInterpreter(interpreter string) *DockerLauncher {
	l.Interpreter = interpreter
	return l
}

func (l *DockerLauncher) WithEnv(env ...string) *DockerLauncher {
	l.Env = append(l.Env, env...)
	return l
}

// NewDockerLauncher builds a launcher using a Docker client configured from the environment.
func NewDockerLauncher() (*DockerLauncher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &DockerLauncher{
		Log:          zap.NewNop().Sugar(),
		DockerClient: dockerClient,
		Image:        "python:3-alpine",
		Interpreter:  "python3",
	}, nil
}

func (l *DockerLauncher) ensureImagePulled(ctx context.Context) error {
	l.pullMut.Lock()
	defer l.pullMut.Unlock()
	if l.imagePulled {
		return nil
	}
	out, err := l.DockerClient.ImagePull(ctx, l.Image, image.PullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	l.imagePulled = true
	return nil
}

func (l *DockerLauncher) Launch(ctx context.Context, src Source) (Process, error) {
	err := l.ensureImagePulled(ctx)
	if err != nil {
		return nil, fmt.Errorf("pulling image %q: %w", l.Image, err)
	}

	name := "blockrunner-" + uuid.NewString()
	createResp, err := l.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        l.Image,
			Cmd:          []string{l.Interpreter, "-c", src.Text},
			Env:          append([]string{"PYTHONIOENCODING=utf-8"}, l.Env...),
			AttachStdout: true,
			AttachStderr: true,
			Labels:       map[string]string{containerLabel: src.ID},
		},
		&container.HostConfig{},
		nil,
		nil,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	// everything past creation outlives the launching request
	bg := context.WithoutCancel(ctx)

	attach, err := l.DockerClient.ContainerAttach(bg, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(containerID)
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		defer attach.Close()
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	start := time.Now()
	err = l.DockerClient.ContainerStart(bg, containerID, container.StartOptions{})
	if err != nil {
		attach.Close()
		<-copyDone
		stdoutR.Close()
		stderrR.Close()
		l.remove(containerID)
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	p := &dockerProcess{
		log:         l.Log,
		client:      l.DockerClient,
		id:          src.ID,
		containerID: containerID,
		stdout:      stdoutR,
		stderr:      stderrR,
		copyDone:    copyDone,
		done:        make(chan struct{}),
	}
	p.exitCode.Store(-1)
	l.Log.Debugw("container started", "Program", src.ID, "Container", name)

	go p.wait(bg, start, l.remove)

	return p, nil
}

func (l *DockerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := l.DockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		l.Log.Debugf("removing container %q: %s", containerID, err)
	}
}

type dockerProcess struct {
	log         *zap.SugaredLogger
	client      *client.Client
	id          string
	containerID string
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	copyDone    chan struct{}
	done        chan struct{}
	exitCode    atomic.Int64
}

func (p *dockerProcess) wait(ctx context.Context, start time.Time, remove func(string)) {
	defer close(p.done)
	statusCh, errCh := p.client.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		p.exitCode.Store(status.StatusCode)
	case err := <-errCh:
		p.log.Debugf("waiting for container %q: %s", p.containerID, err)
	}

	// let the attach stream flush the tail of the output before the container goes away
	select {
	case <-p.copyDone:
	case <-time.After(5 * time.Second):
	}
	remove(p.containerID)
	p.log.Debugw("container exited", "Program", p.id, "ExitCode", p.ExitCode(), "TimeMS", time.Since(start).Milliseconds())
}

func (p *dockerProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *dockerProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *dockerProcess) Done() <-chan struct{} { return p.done }
func (p *dockerProcess) ExitCode() int         { return int(p.exitCode.Load()) }

func (p *dockerProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.client.ContainerKill(ctx, p.containerID, "KILL")
	if err != nil {
		return fmt.Errorf("killing container %q: %w", p.containerID, err)
	}
	return nil
}

func (p *dockerProcess) String() string {
	return fmt.Sprintf("docker process program=%s container=%s", p.id, p.containerID)
}
