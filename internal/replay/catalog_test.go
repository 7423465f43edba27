package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestListCollectsBundles(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	closed, _, err := NewWriter(root, "alpha", clock.Now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	closed.SetHeader("Dungeon", testInterval, 60)
	if err := closed.AppendFrame(1, []byte{0xa0}); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	clock.Advance(time.Minute)
	open, _, err := NewWriter(root, "beta", clock.Now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer open.Close()
	if err := os.MkdirAll(filepath.Join(root, "not-a-bundle"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	entries, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two bundles, got %d", len(entries))
	}
	//1.- Oldest first, and only the closed bundle carries a header.
	if entries[0].Directory != closed.Directory() || !entries[0].Closed() || entries[0].Header.MapName != "Dungeon" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Directory != open.Directory() || entries[1].Closed() {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
	if entries[0].Bytes == 0 {
		t.Fatal("expected closed bundle size to be measured")
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected JSON payload to be non-empty")
	}
}

func TestListRequiresRoot(t *testing.T) {
	if _, err := List(" "); err == nil {
		t.Fatal("expected an error for an empty root")
	}
	if _, err := List(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing root")
	}
}
