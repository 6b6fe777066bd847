// Package testutil provides shared fixtures for tests that need a real
// workspace store or input files on disk.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vlaube/sessiond/internal/workspace"
)

// NewWorkspace opens a migrated workspace store in a temp directory and
// closes it when the test finishes.
func NewWorkspace(t *testing.T) (*workspace.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := workspace.Open(ctx, filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("open test workspace: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

// WriteLines materializes a newline-terminated text file for ingestion.
func WriteLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write input file: %v", err)
	}
	return path
}
