package bundle

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app", "bundle")
	blob := bytes.Repeat([]byte{0xab}, 100)

	err := Create(path, map[string][]byte{
		SnapshotKey:         blob,
		"assets/config.txt": []byte("debug=false"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	got, ok := b.GetAsBuffer(SnapshotKey)
	if !ok {
		t.Fatal("snapshot entry missing")
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("snapshot = %d bytes, want the 100 written", len(got))
	}

	if _, ok := b.GetAsBuffer("missing.bin"); ok {
		t.Error("missing key should report absent")
	}

	keys := b.Keys()
	if len(keys) != 2 || keys[0] != "assets/config.txt" || keys[1] != SnapshotKey {
		t.Errorf("Keys() = %v", keys)
	}
	if b.Path() != path {
		t.Errorf("Path() = %q, want %q", b.Path(), path)
	}
}

func TestGetAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	if err := Create(path, map[string][]byte{"a": []byte("1")}); err != nil {
		t.Fatal(err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, ok := b.GetAsBuffer("a"); ok {
		t.Error("closed bundle should report absent")
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing")); err == nil {
		t.Error("opening a missing bundle should fail")
	}

	notZip := filepath.Join(dir, "plain")
	if err := os.WriteFile(notZip, []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(notZip); err == nil {
		t.Error("opening a non-zip file should fail")
	}
}
