package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("seed image: %v", err)
	}

	f, err := OpenFile(path, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if f.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", f.Size())
	}

	data := []byte("raw image contents")
	if _, err := f.WriteAt(data, 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, len(data))
	if _, err := f.ReadAt(buf, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != string(data) {
		t.Errorf("ReadAt = %q, want %q", buf, data)
	}

	if err := f.Flush(); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if err := f.Discard(512, int64(len(data))); err != nil {
		t.Errorf("Discard: %v", err)
	}
	zero := make([]byte, len(data))
	if _, err := f.ReadAt(buf, 512); err != nil {
		t.Fatalf("ReadAt after discard: %v", err)
	}
	if string(buf) != string(zero) {
		t.Errorf("Discard left non-zero bytes: %q", buf)
	}
}

func TestFileReadOnlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("seed image: %v", err)
	}

	f, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte("x"), 0); err == nil {
		t.Error("WriteAt on a read-only file should fail")
	}
}

func TestOpenFileMissingPath(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.img"), true); err == nil {
		t.Error("OpenFile on a missing path should fail")
	}
}
