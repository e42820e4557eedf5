package run

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/blockrunner/program"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func waitDone(t *testing.T, e *Execution) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s of %s did not finish", e.RunID, e.Program)
	}
}

func eventuallySnapshot(t *testing.T, reg *Registry, id, exp string) {
	t.Helper()
	require.Eventually(t, func() bool { return reg.Snapshot(id) == exp }, 5*time.Second, 10*time.Millisecond,
		"snapshot of %s never became %q, last %q", id, exp, reg.Snapshot(id))
}

func TestStartRejectsUnknownProgram(t *testing.T) {
	launcher := &fakeLauncher{}
	reg := NewRegistry(program.NewStatic(map[string]string{"1": "src"}), launcher)

	_, err := reg.Start(context.Background(), "etc")
	require.ErrorIs(t, err, ErrUnknownProgram)
	assert.Empty(t, launcher.launched())
	_, ok := reg.Execution("etc")
	assert.False(t, ok)
}

func TestStartWithoutSourceIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	launcher := &fakeLauncher{}
	catalog := program.NewStatic(map[string]string{"9": "src"})
	reg := NewRegistry(catalog, launcher)

	e, err := reg.Start(context.Background(), "9")
	require.NoError(t, err)
	launcher.launched()[0].print("kept\n")
	eventuallySnapshot(t, reg, "9", "kept\n")

	// the program is still listed but its source has gone away
	reg.catalog = listedOnly{ids: []string{"9"}}
	_, err = reg.Start(context.Background(), "9")
	require.ErrorIs(t, err, errNoSource)

	assert.Len(t, launcher.launched(), 1)
	assert.Zero(t, launcher.launched()[0].terminations.Load(), "running process must not be touched")
	tracked, ok := reg.Execution("9")
	require.True(t, ok)
	assert.Same(t, e, tracked)
	assert.Equal(t, "kept\n", reg.Snapshot("9"))

	launcher.exitAll()
	waitDone(t, e)
}

func TestStartLaunchFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	launcher := &fakeLauncher{}
	reg := NewRegistry(program.NewStatic(map[string]string{"1": "src"}), launcher)

	first, err := reg.Start(context.Background(), "1")
	require.NoError(t, err)
	launcher.launched()[0].print("before\n")
	eventuallySnapshot(t, reg, "1", "before\n")

	launcher.mu.Lock()
	launcher.err = errors.New("interpreter not found")
	launcher.mu.Unlock()

	_, err = reg.Start(context.Background(), "1")
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorContains(t, err, "interpreter not found")

	_, ok := reg.Execution("1")
	assert.False(t, ok, "failed launch leaves no tracked execution")
	assert.Empty(t, reg.Snapshot("1"), "failed launch leaves the output reset")
	assert.Equal(t, int32(1), launcher.launched()[0].terminations.Load())

	waitDone(t, first)
}

func TestStartSupersedes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	launcher := &fakeLauncher{ignoreTerminate: true}
	reg := NewRegistry(program.NewStatic(map[string]string{"7": "src"}), launcher)
	sub := reg.Subscribe("7")
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := reg.Start(ctx, "7")
	require.NoError(t, err)
	old := launcher.launched()[0]
	old.print("old\n")
	chunk, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old\n", chunk)
	eventuallySnapshot(t, reg, "7", "old\n")

	second, err := reg.Start(ctx, "7")
	require.NoError(t, err)
	current := launcher.launched()[1]

	assert.Equal(t, int32(1), old.terminations.Load())
	assert.True(t, current.terminatedBefore, "termination must be requested before the new process launches")
	assert.Empty(t, reg.Snapshot("7"), "a new run starts with an empty snapshot")

	tracked, ok := reg.Execution("7")
	require.True(t, ok)
	assert.Same(t, second, tracked)

	// the old process ignored the kill and keeps printing into its discarded output
	old.print("late\n")
	current.print("new\n")

	chunk, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new\n", chunk)
	eventuallySnapshot(t, reg, "7", "new\n")

	launcher.exitAll()
	waitDone(t, first)
	waitDone(t, second)
	assert.Equal(t, "new\n", reg.Snapshot("7"))
}

func TestConcurrentStartsTrackOneExecution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	launcher := &fakeLauncher{}
	reg := NewRegistry(program.NewStatic(map[string]string{"x": "src", "y": "src"}), launcher)

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		id := "x"
		if i%4 == 0 {
			id = "y"
		}
		group.Go(func() error {
			_, err := reg.Start(ctx, id)
			return err
		})
	}
	require.NoError(t, group.Wait())

	procs := launcher.launched()
	require.Len(t, procs, 20)

	alive := map[string]int{}
	for _, p := range procs {
		if p.terminations.Load() == 0 {
			alive[strings.Fields(p.name)[1]]++
		}
	}
	assert.Equal(t, map[string]int{"x": 1, "y": 1}, alive)

	for _, id := range []string{"x", "y"} {
		e, ok := reg.Execution(id)
		require.True(t, ok)
		p := e.Process.(*fakeProcess)
		assert.Zero(t, p.terminations.Load(), "tracked execution of %s must be the surviving one", id)
	}

	require.NoError(t, reg.Shutdown(context.Background()))
	for _, p := range procs {
		select {
		case <-p.Done():
		default:
			t.Fatalf("%s still running after shutdown", p)
		}
	}
}

func TestSnapshotOfUnknownProgram(t *testing.T) {
	reg := NewRegistry(program.NewStatic(nil), &fakeLauncher{})
	assert.Empty(t, reg.Snapshot("nothing"))
}
