package run

import (
	"context"
	"io"
)

// Source is the text of a program handed to a Launcher.
type Source struct {
	// ID is the program identifier, used for naming and logging only.
	ID   string
	Text string
}

// Launcher starts a program as an isolated child process.
// Launch must return as soon as the process is running; it never waits for the process to exit.
// The context only bounds the launch itself, not the lifetime of the process.
type Launcher interface {
	Launch(ctx context.Context, src Source) (Process, error)
}

// Process is a handle on a launched program.
type Process interface {
	// Stdout and Stderr are the output streams of the process. They return io.EOF once the process
	// has exited and its output has been drained. The caller must read both to completion and close them.
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Terminate requests that the process stops. It is idempotent, and a no-op once the process has exited.
	Terminate() error

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// ExitCode returns the exit code of the process once it has exited, and -1 before that or when
	// the process did not report one (e.g. it was killed by a signal).
	ExitCode() int

	String() string
}
