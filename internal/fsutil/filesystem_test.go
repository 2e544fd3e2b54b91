package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_RoundTrip(t *testing.T) {
	fsys := OSFileSystem{}
	path := filepath.Join(t.TempDir(), "unit.json")

	if err := fsys.WriteFile(path, []byte(`{"scan_speed":20}`), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"scan_speed":20}` {
		t.Errorf("ReadFile = %q", data)
	}
	info, err := fsys.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", info.Size(), len(data))
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	if err := mfs.WriteFile("/cfg/../test.json", testData, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	testData[0] = 'H'

	data, err := mfs.ReadFile("/test.json")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello, world" {
		t.Errorf("expected stored copy, got %q", data)
	}

	info, err := mfs.Stat("/test.json")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Name() != "test.json" || info.Size() != 12 || info.Mode() != 0o644 || info.IsDir() {
		t.Errorf("unexpected info: %s %d %v %v", info.Name(), info.Size(), info.Mode(), info.IsDir())
	}
}

func TestMemoryFileSystem_Missing(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if _, err := mfs.ReadFile("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile err = %v, want ErrNotExist", err)
	}
	if _, err := mfs.Stat("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat err = %v, want ErrNotExist", err)
	}
}
