package replay

import (
	"path/filepath"
	"testing"
)

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()
	header := Header{
		SchemaVersion:  HeaderSchemaVersion,
		MapName:        "Dungeon",
		TickIntervalMs: 50,
		MaxSlopeDeg:    60,
		FilePointer:    "manifest.json",
	}
	path := filepath.Join(dir, "nested", "header.json")
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if loaded != header {
		t.Fatalf("unexpected header values: %+v", loaded)
	}
}

func TestHeaderValidate(t *testing.T) {
	if err := (Header{FilePointer: "manifest.json"}).Validate(); err == nil {
		t.Fatalf("expected schema version error")
	}
	if err := (Header{SchemaVersion: 1, FilePointer: "  "}).Validate(); err == nil {
		t.Fatalf("expected file pointer error")
	}
	if err := WriteHeader(filepath.Join(t.TempDir(), "header.json"), Header{}); err == nil {
		t.Fatalf("expected invalid header to be rejected before writing")
	}
}
