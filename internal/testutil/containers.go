// Package testutil starts throwaway database containers for integration
// tests. Each container is started at most once per test binary and shared by
// every test that asks for it.
package testutil

import (
	"testing"
)

// requireContainers skips t when container-backed tests are not wanted.
func requireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// skipOnStartError skips t if the container could not be started, which in
// practice means no Docker daemon is reachable.
func skipOnStartError(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", what, err)
	}
}
