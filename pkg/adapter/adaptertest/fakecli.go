package adaptertest

import (
	"os"
	"path/filepath"
	"testing"
)

// FakeCLI writes an executable shell script named name into a temp
// directory and returns its full path, for adapters that shell out to
// a container-engine-style binary (containerexec.Adapter). body is the
// script's content after the shebang line.
func FakeCLI(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake CLI %s: %v", name, err)
	}
	return path
}
