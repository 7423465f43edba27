package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"dwarfendepths/movecore/internal/state"
)

// ErrTruncatedFrame reports a frame stream that ends inside a frame.
var ErrTruncatedFrame = errors.New("replay: truncated frame")

// EventRecord is one line of the event log.
type EventRecord struct {
	Sequence   uint64          `json:"sequence"`
	CapturedAt string          `json:"captured_at"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// Frame is one recorded tick in stream order.
type Frame struct {
	Sequence   uint64
	CapturedAt time.Time
	Record     state.TickRecord
}

// Loader rehydrates a bundle for verification workflows.
type Loader struct {
	Manifest Manifest
	Header   Header

	frames []Frame
	events []EventRecord
}

// Load reads the manifest, header, frames and events of the bundle in dir.
// A missing header means the recording did not close cleanly; the frames are
// still loaded.
func Load(dir string) (*Loader, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}

	loader := &Loader{Manifest: manifest}
	header, err := ReadHeader(filepath.Join(dir, headerFile))
	switch {
	case err == nil:
		loader.Header = header
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read header: %w", err)
	}

	//1.- Frames come first since verification depends on them.
	if loader.frames, err = readFrames(filepath.Join(dir, manifest.FramesPath)); err != nil {
		return nil, err
	}
	//2.- Events are informational.
	if loader.events, err = readEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return nil, err
	}
	return loader, nil
}

func readFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var frames []Frame
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return frames, fmt.Errorf("frame %d header: %w", len(frames), ErrTruncatedFrame)
			}
			return frames, err
		}
		sequence := binary.LittleEndian.Uint64(header[0:8])
		captured := time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC()
		payload := make([]byte, binary.LittleEndian.Uint32(header[16:20]))
		if _, err := io.ReadFull(reader, payload); err != nil {
			return frames, fmt.Errorf("frame %d payload: %w", sequence, ErrTruncatedFrame)
		}
		var rec state.TickRecord
		if err := cbor.Unmarshal(payload, &rec); err != nil {
			return frames, fmt.Errorf("decode frame %d: %w", sequence, err)
		}
		if rec.Sequence != sequence {
			return frames, fmt.Errorf("frame header sequence %d carries tick %d", sequence, rec.Sequence)
		}
		if n := len(frames); n > 0 && frames[n-1].Sequence >= sequence {
			return frames, fmt.Errorf("frame %d follows frame %d", sequence, frames[n-1].Sequence)
		}
		frames = append(frames, Frame{Sequence: sequence, CapturedAt: captured, Record: rec})
	}
}

func readEvents(path string) ([]EventRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []EventRecord
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev EventRecord
		if err := json.Unmarshal(line, &ev); err != nil {
			return events, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Replay iterates over the loaded frames in sequence order.
func (l *Loader) Replay(apply func(Frame) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, frame := range l.frames {
		if err := apply(frame); err != nil {
			return err
		}
	}
	return nil
}

// Frames returns a copy of the loaded frames.
func (l *Loader) Frames() []Frame {
	if l == nil {
		return nil
	}
	out := make([]Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

// Events returns a copy of the loaded event log.
func (l *Loader) Events() []EventRecord {
	if l == nil {
		return nil
	}
	out := make([]EventRecord, len(l.events))
	copy(out, l.events)
	return out
}
