package run

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/blockrunner/program"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newShellRegistry(t *testing.T, sources map[string]string) (*Registry, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell programs need a unix sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	dir := t.TempDir()
	log := zaptest.NewLogger(t).Sugar()
	launcher := NewLocalLauncher().
		WithLogger(log).
		WithInterpreter("sh").
		WithSuffix(".sh").
		WithDir(dir)
	reg := NewRegistry(program.NewStatic(sources), launcher, WithLogger(log))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, reg.Shutdown(ctx))
	})
	return reg, dir
}

func TestLocalLauncherRuns(t *testing.T) {
	cases := []struct {
		name        string
		src         string
		expSnapshot string
		expExitCode int
	}{
		{
			name:        "prints a line",
			src:         "echo hello\n",
			expSnapshot: "hello\n",
		},
		{
			name:        "malformed bytes",
			src:         "printf 'a\\377b\\n'\n",
			expSnapshot: "a�b\n",
		},
		{
			name:        "exit code",
			src:         "echo failing\nexit 3\n",
			expSnapshot: "failing\n",
			expExitCode: 3,
		},
		{
			name:        "no output",
			src:         "true\n",
			expSnapshot: "",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reg, dir := newShellRegistry(t, map[string]string{"42": c.src})

			e, err := reg.Start(context.Background(), "42")
			require.NoError(t, err)
			waitDone(t, e)

			assert.Equal(t, c.expSnapshot, reg.Snapshot("42"))
			assert.Equal(t, c.expExitCode, e.Process.ExitCode())

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "source file must be removed after exit")
		})
	}
}

func TestLocalLauncherStderr(t *testing.T) {
	reg, _ := newShellRegistry(t, map[string]string{"1": "echo out\necho err >&2\n"})

	e, err := reg.Start(context.Background(), "1")
	require.NoError(t, err)
	waitDone(t, e)

	snapshot := reg.Snapshot("1")
	assert.Len(t, snapshot, len("out\nerr\n"))
	assert.Contains(t, snapshot, "out\n")
	assert.Contains(t, snapshot, "err\n")
}

func TestLocalLauncherSupersedes(t *testing.T) {
	catalog := map[string]string{"7": "echo first\nsleep 30\n"}
	reg, _ := newShellRegistry(t, catalog)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := reg.Subscribe("7")
	defer sub.Close()

	first, err := reg.Start(ctx, "7")
	require.NoError(t, err)
	chunk, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first\n", chunk)

	reg.catalog.(*program.Static).Set("7", "echo second\n")
	second, err := reg.Start(ctx, "7")
	require.NoError(t, err)

	// the sleeping process and its children are gone
	waitDone(t, first)
	assert.NotZero(t, first.Process.ExitCode())

	chunk, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second\n", chunk)

	waitDone(t, second)
	assert.Equal(t, "second\n", reg.Snapshot("7"))
	assert.False(t, strings.Contains(reg.Snapshot("7"), "first"))
}

func TestLocalLauncherMissingInterpreter(t *testing.T) {
	dir := t.TempDir()
	launcher := NewLocalLauncher().WithInterpreter("/nonexistent/interpreter").WithDir(dir)
	reg := NewRegistry(program.NewStatic(map[string]string{"1": "print('x')"}), launcher)

	_, err := reg.Start(context.Background(), "1")
	require.ErrorIs(t, err, ErrLaunch)

	_, ok := reg.Execution("1")
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
