package run

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/blockrunner/program"
	"go.uber.org/zap"
)

var (
	ErrUnknownProgram = errors.New("unknown program")
	ErrLaunch         = errors.New("launching program")
)

// Execution is the tracked run of a program.
type Execution struct {
	Program string
	RunID   string
	Started time.Time
	Process Process

	done chan struct{}
}

// Done is closed once the process has exited and both of its output streams have been drained.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Registry tracks at most one execution per program and owns each program's output Channel and Buffer.
type Registry struct {
	log      *zap.SugaredLogger
	catalog  program.Catalog
	launcher Launcher

	mu      sync.Mutex
	execs   map[string]*Execution
	outputs map[string]*output
	// startLocks serialize Start per program, so concurrent runs of the same program resolve to
	// exactly one tracked execution while other programs proceed independently
	startLocks map[string]*sync.Mutex

	pumps sync.WaitGroup
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l.Named("registry")
	}
}

func NewRegistry(catalog program.Catalog, launcher Launcher, opts ...Option) *Registry {
	r := &Registry{
		log:        zap.NewNop().Sugar(),
		catalog:    catalog,
		launcher:   launcher,
		execs:      map[string]*Execution{},
		outputs:    map[string]*output{},
		startLocks: map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) startLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.startLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.startLocks[id] = l
	}
	return l
}

// Start runs the program identified by id, superseding its current execution if there is one.
// The identifier must already be normalized.
//
// Unknown programs and programs without source are rejected before anything changes.
// Otherwise the previous process is asked to terminate (failures are logged, not returned),
// the program's Channel and Buffer are replaced, and the new process is launched.
// If the launch fails, the program is left with no tracked execution and empty output.
func (r *Registry) Start(ctx context.Context, id string) (*Execution, error) {
	ids, err := r.catalog.Programs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	if !slices.Contains(ids, id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, id)
	}
	text, err := r.catalog.Source(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up source of %q: %w", id, err)
	}

	lock := r.startLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	prev := r.execs[id]
	r.mu.Unlock()
	if prev != nil {
		err := prev.Process.Terminate()
		if err != nil {
			r.log.Debugw("error terminating superseded run", "Program", id, "RunID", prev.RunID, "Error", err)
		}
	}

	out := newOutput()
	r.mu.Lock()
	old := r.outputs[id]
	r.outputs[id] = out
	r.mu.Unlock()
	if old != nil {
		old.ch.Retire()
	}

	proc, err := r.launcher.Launch(ctx, Source{ID: id, Text: text})
	if err != nil {
		r.mu.Lock()
		delete(r.execs, id)
		r.mu.Unlock()
		r.log.Errorw("launch failed", "Program", id, "Error", err)
		return nil, fmt.Errorf("%w %q: %w", ErrLaunch, id, err)
	}

	e := &Execution{
		Program: id,
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Process: proc,
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.execs[id] = e
	r.mu.Unlock()

	r.startPumps(e, out)
	r.log.Infow("run started", "Program", id, "RunID", e.RunID, "Process", proc.String())
	return e, nil
}

func (r *Registry) startPumps(e *Execution, out *output) {
	log := r.log.Named("pump").With("Program", e.Program, "RunID", e.RunID)
	var wg sync.WaitGroup
	for _, p := range []*pump{
		{log: log, stream: "stdout", r: e.Process.Stdout(), out: out},
		{log: log, stream: "stderr", r: e.Process.Stderr(), out: out},
	} {
		p := p
		wg.Add(1)
		r.pumps.Add(1)
		go func() {
			defer r.pumps.Done()
			defer wg.Done()
			p.run()
		}()
	}

	go func() {
		wg.Wait()
		<-e.Process.Done()
		r.log.Infow("run finished", "Program", e.Program, "RunID", e.RunID, "ExitCode", e.Process.ExitCode())
		close(e.done)
	}()
}

// Execution returns the tracked execution of a program. The process may already have exited.
func (r *Registry) Execution(id string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[id]
	return e, ok
}

// Snapshot returns everything the current run of a program has printed so far.
func (r *Registry) Snapshot(id string) string {
	r.mu.Lock()
	out := r.outputs[id]
	r.mu.Unlock()
	if out == nil {
		return ""
	}
	return out.buf.String()
}

// channel returns the current Channel of a program, creating an empty one for programs that never ran.
func (r *Registry) channel(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[id]
	if !ok {
		out = newOutput()
		r.outputs[id] = out
	}
	return out.ch
}

// Subscribe returns a Subscription to the live output of a program.
// The identifier must already be normalized and validated.
func (r *Registry) Subscribe(id string) *Subscription {
	return &Subscription{registry: r, program: id}
}

// Shutdown terminates every tracked process and waits for all pumps to drain, or for ctx to be done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	execs := make([]*Execution, 0, len(r.execs))
	for _, e := range r.execs {
		execs = append(execs, e)
	}
	r.mu.Unlock()

	for _, e := range execs {
		err := e.Process.Terminate()
		if err != nil {
			r.log.Debugw("error terminating run on shutdown", "Program", e.Program, "Error", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
