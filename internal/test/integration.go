package test

import (
	"os"
	"testing"
)

// Integration skips the test unless INTEGRATION is set.
// Integration tests need external resources such as a Docker daemon.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("skipping integration test, set INTEGRATION=1 to run")
	}
}
