package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry describes one bundle found under a replay root.
type Entry struct {
	Directory string   `json:"directory"`
	Manifest  Manifest `json:"manifest"`
	// Header is nil when the recording never closed cleanly.
	Header *Header `json:"header,omitempty"`
	Bytes  int64   `json:"bytes"`
}

// Closed reports whether the bundle was finalised with a header.
func (e Entry) Closed() bool { return e.Header != nil }

// List returns every bundle directly under root, oldest first. Directories
// without a manifest are skipped.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		//1.- The manifest marks a directory as a bundle.
		data, err := os.ReadFile(filepath.Join(dir, manifestFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entry := Entry{Directory: dir}
		if err := json.Unmarshal(data, &entry.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", dir, err)
		}
		//2.- The header is optional and only written on close.
		header, err := ReadHeader(filepath.Join(dir, headerFile))
		switch {
		case err == nil:
			entry.Header = &header
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read header %s: %w", dir, err)
		}
		if entry.Bytes, _, err = directoryUsage(dir); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].created(), entries[j].created()
		if a.Equal(b) {
			return entries[i].Directory < entries[j].Directory
		}
		return a.Before(b)
	})
	return entries, nil
}

func (e Entry) created() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.Manifest.CreatedAt)
	return t
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
