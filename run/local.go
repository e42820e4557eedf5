package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalLauncher runs programs directly on the underlying host by writing their source to a
// uniquely-named file and invoking an interpreter on it.
// These processes are not sandboxed: they see the same filesystem and environment as the server.
type LocalLauncher struct {
	Log         *zap.SugaredLogger
	Interpreter string
	Suffix      string
	// Dir holds the ephemeral source files. It defaults to the OS temp dir.
	Dir string
	Env []string
}

func NewLocalLauncher() *LocalLauncher {
	return &LocalLauncher{
		Log:         zap.NewNop().Sugar(),
		Interpreter: "python3",
		Suffix:      ".py",
	}
}

func (l *LocalLauncher) WithLogger(log *zap.SugaredLogger) *LocalLauncher {
	l.Log = log.Named("local_launcher")
	return l
}

func (l *LocalLauncher) WithInterpreter(interpreter string) *LocalLauncher {
	l.Interpreter = interpreter
	return l
}

func (l *LocalLauncher) WithSuffix(suffix string) *LocalLauncher {
	l.Suffix = suffix
	return l
}

func (l *LocalLauncher) WithDir(dir string) *LocalLauncher {
	l.Dir = dir
	return l
}

func (l *LocalLauncher) WithEnv(env ...string) *LocalLauncher {
	l.Env = append(l.Env, env...)
	return l
}

func (l *LocalLauncher) Launch(ctx context.Context, src Source) (Process, error) {
	dir := l.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, uuid.NewString()+l.Suffix)
	err := os.WriteFile(path, []byte(src.Text), 0600)
	if err != nil {
		return nil, fmt.Errorf("writing source file: %w", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		os.Remove(path)
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	// not bound to ctx: the process outlives the request that started it
	cmd := exec.Command(l.Interpreter, path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, l.Env...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)

	start := time.Now()
	err = cmd.Start()
	// the child has its own copies of the write ends, ours must go so the pumps see EOF
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		os.Remove(path)
		return nil, fmt.Errorf("starting %s: %w", l.Interpreter, err)
	}

	p := &localProcess{
		log:    l.Log,
		id:     src.ID,
		path:   path,
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	p.exitCode.Store(-1)
	l.Log.Debugw("process started", "Program", src.ID, "PID", cmd.Process.Pid, "File", path)

	go p.wait(start)

	return p, nil
}

type localProcess struct {
	log      *zap.SugaredLogger
	id       string
	path     string
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	done     chan struct{}
	exitCode atomic.Int64
}

func (p *localProcess) wait(start time.Time) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error for %s: %s", p, err)
		}
	}
	if p.cmd.ProcessState != nil {
		p.exitCode.Store(int64(p.cmd.ProcessState.ExitCode()))
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Debugf("removing source file %s: %s", p.path, err)
	}
	p.log.Debugw("process exited", "Program", p.id, "ExitCode", p.ExitCode(), "TimeMS", time.Since(start).Milliseconds())
	close(p.done)
}

func (p *localProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *localProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *localProcess) Done() <-chan struct{} { return p.done }
func (p *localProcess) ExitCode() int         { return int(p.exitCode.Load()) }

func (p *localProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := killProcess(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *localProcess) String() string {
	return fmt.Sprintf("local process program=%s pid=%d", p.id, p.cmd.Process.Pid)
}
