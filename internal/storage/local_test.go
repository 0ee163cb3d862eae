package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndRemove(t *testing.T) {
	local, err := NewLocal(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	path, size, err := local.Save("job-1", "doc.pdf", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size != 8 {
		t.Fatalf("size = %d, want 8", size)
	}
	if filepath.Dir(path) != local.Dir("job-1") {
		t.Fatalf("file saved outside the spool dir: %s", path)
	}

	if err := local.Remove("job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists after remove: %v", err)
	}
}

func TestSaveStripsPathComponents(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	path, _, err := local.Save("job-1", "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(path) != "passwd" || filepath.Dir(path) != local.Dir("job-1") {
		t.Fatalf("upload name escaped the spool dir: %s", path)
	}
}

func TestNewLocalRequiresRoot(t *testing.T) {
	if _, err := NewLocal(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}
