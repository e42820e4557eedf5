package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

type fakeProcess struct {
	name string

	stdout  *io.PipeReader
	stderr  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter

	// ignoreTerminate simulates a process that does not die when asked to
	ignoreTerminate bool
	terminations    atomic.Int32
	// terminatedBefore records, at launch time, whether every earlier process had been asked to terminate
	terminatedBefore bool

	done     chan struct{}
	exitOnce sync.Once
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) print(s string) {
	_, err := p.stdoutW.Write([]byte(s))
	if err != nil {
		panic(err)
	}
}

func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return 0 }
func (p *fakeProcess) String() string        { return p.name }

func (p *fakeProcess) Terminate() error {
	p.terminations.Add(1)
	if p.ignoreTerminate {
		return errors.New("process ignored termination")
	}
	p.exit()
	return nil
}

type fakeLauncher struct {
	mu              sync.Mutex
	procs           []*fakeProcess
	err             error
	ignoreTerminate bool
}

func (l *fakeLauncher) Launch(ctx context.Context, src Source) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	terminatedBefore := true
	for _, p := range l.procs {
		if p.terminations.Load() == 0 {
			terminatedBefore = false
		}
	}
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	p := &fakeProcess{
		name:             fmt.Sprintf("fake %s #%d", src.ID, len(l.procs)),
		stdout:           stdout,
		stderr:           stderr,
		stdoutW:          stdoutW,
		stderrW:          stderrW,
		ignoreTerminate:  l.ignoreTerminate,
		terminatedBefore: terminatedBefore,
		done:             make(chan struct{}),
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

func (l *fakeLauncher) exitAll() {
	for _, p := range l.launched() {
		p.exit()
	}
}

// listedOnly lists programs that have no source.
type listedOnly struct {
	ids []string
}

func (l listedOnly) Programs(ctx context.Context) ([]string, error) { return l.ids, nil }
func (l listedOnly) Source(ctx context.Context, id string) (string, error) {
	return "", fmt.Errorf("source of %q: %w", id, errNoSource)
}

var errNoSource = errors.New("no source")
