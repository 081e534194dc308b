package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"qa.meta.json":      "{}",
		"qa.embeddings.bin": "1234",
		"qa2.items.json":    "[]",
		"sub/qa.extra":      "abc",
		"unrelated.txt":     "hello",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	u, err := DiskUsage(dir, filepath.Join(dir, "missing"), "")
	if err != nil {
		t.Fatal(err)
	}
	if u.Files != 5 || u.Bytes != 16 {
		t.Errorf("DiskUsage = %+v, want 5 files / 16 bytes", u)
	}

	single, err := DiskUsage(filepath.Join(dir, "unrelated.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if single.Bytes != 5 {
		t.Errorf("single file: got %d bytes, want 5", single.Bytes)
	}

	ds, err := DatasetUsage(dir, "qa")
	if err != nil {
		t.Fatal(err)
	}
	if ds.Files != 3 || ds.Bytes != 9 {
		t.Errorf("DatasetUsage = %+v, want 3 files / 9 bytes", ds)
	}
}
