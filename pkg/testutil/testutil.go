// Package testutil provides shared helpers for cascade tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the
// specified timeout, polling every 10ms.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// PatternBytes produces a deterministic payload of the given size. The
// prime modulus keeps chunk boundaries from aligning with the pattern,
// so reassembly mistakes show up as content mismatches.
func PatternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// WriteInputFile writes a deterministic payload of size bytes under dir
// and returns its path.
func WriteInputFile(t *testing.T, dir, name string, size int) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, PatternBytes(size), 0o644))
	return path
}

// CreateInputFiles writes count deterministic input files of bytesPer
// bytes each and returns their paths in creation order.
func CreateInputFiles(t *testing.T, dir string, count, bytesPer int) []string {
	t.Helper()

	paths := make([]string, 0, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("input-%03d.bin", i)
		paths = append(paths, WriteInputFile(t, dir, name, bytesPer))
	}
	return paths
}
