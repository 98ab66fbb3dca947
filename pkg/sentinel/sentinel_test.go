package sentinel

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	content := []byte("server build artifact")
	if err := os.WriteFile(path, content, 0755); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	want := sha256.Sum256(content)
	if got != want {
		t.Errorf("hash mismatch: got %x, want %x", got, want)
	}
}

func TestHashFileDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	if err := os.WriteFile(path, []byte("build 1"), 0755); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	before, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("build 2"), 0755); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	after, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}

	if before == after {
		t.Error("replaced binary produced the same hash")
	}
}

func TestHashFileNotFound(t *testing.T) {
	if _, err := HashFile("/nonexistent/file/path"); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestBackoffProgression(t *testing.T) {
	s := &Sentinel{
		backoff: InitialBackoff,
		stopCh:  make(chan struct{}),
	}

	if s.backoff != 5*time.Second {
		t.Errorf("initial backoff: got %v, want %v", s.backoff, 5*time.Second)
	}

	// Doubles until the cap: 10s, 20s, ..., capped at 10 minutes.
	expected := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		320 * time.Second,
		600 * time.Second,
	}
	for i, want := range expected {
		s.increaseBackoff()
		if s.backoff != want {
			t.Errorf("step %d: got %v, want %v", i+1, s.backoff, want)
		}
	}
}
