package httpapi

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForSecret(t *testing.T, source SecretSource, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := source.Secret(); err == nil && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := source.Secret()
	t.Fatalf("expected secret %q, got %q (%v)", want, got, err)
}

func TestStaticSecret(t *testing.T) {
	if _, err := StaticSecret("  ").Secret(); err == nil {
		t.Fatalf("expected error for blank secret")
	}
	got, err := StaticSecret(" abc \n").Secret()
	if err != nil || got != "abc" {
		t.Fatalf("expected trimmed secret, got %q (%v)", got, err)
	}
}

func TestFileSecretReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook.secret")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	source, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("new file secret: %v", err)
	}
	defer source.Close()
	waitForSecret(t, source, "first")

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite secret: %v", err)
	}
	waitForSecret(t, source, "second")

	// Replacing the file by rename is also picked up.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("third"), 0o600); err != nil {
		t.Fatalf("write tmp secret: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename secret: %v", err)
	}
	waitForSecret(t, source, "third")
}

func TestFileSecretKeepsValueWhenFileEmptied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook.secret")
	if err := os.WriteFile(path, []byte("keep-me"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	source, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("new file secret: %v", err)
	}
	defer source.Close()

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("truncate secret: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	got, err := source.Secret()
	if err != nil || got != "keep-me" {
		t.Fatalf("expected previous secret kept, got %q (%v)", got, err)
	}
}

func TestFileSecretRequiresReadableFile(t *testing.T) {
	if _, err := NewFileSecret(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	if _, err := NewFileSecret(empty, nil); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestFileSecretCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook.secret")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	source, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("new file secret: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
