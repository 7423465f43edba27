package replay

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/mapdef"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/simulation"
	"dwarfendepths/movecore/internal/state"
)

const testInterval = 50 * time.Millisecond

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// recordSession drives a tick server on the built-in map for ticks ticks and
// returns the closed bundle directory.
func recordSession(t *testing.T, ticks int) (*physics.World, string, *Recorder) {
	t.Helper()
	world, err := mapdef.Build(mapdef.Builtin(), physics.DefaultParams())
	if err != nil {
		t.Fatalf("build world: %v", err)
	}
	clock := &fakeClock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
	recorder, err := NewRecorder(t.TempDir(), "verify", clock.Now)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	recorder.SetHeader(world.Name, testInterval, world.Params.MaxSlopeDeg)

	tables := state.NewTables()
	server, err := simulation.NewTickServer(world, tables, testInterval,
		simulation.WithClock(clock), simulation.WithLogger(logging.NewTestLogger()), simulation.WithSinks(recorder))
	if err != nil {
		t.Fatalf("NewTickServer: %v", err)
	}
	ctx := context.Background()
	player := server.SpawnPlayer(ctx, "alice")
	server.SeedNPCs(ctx, 2)

	//1.- Steer the player through a turn with a jump in the middle.
	for seq := uint64(1); seq <= uint64(ticks); seq++ {
		in := physics.Input{Direction: geom.Vec2{1, 0}, Yaw: 90, SequenceID: seq}
		if seq > uint64(ticks/2) {
			in.Direction = geom.Vec2{0, -1}
			in.Yaw = 180
		}
		in.Jump = seq == 5
		tables.Inputs.Upsert(player.ID, in)
	}
	server.Fire(ctx)
	clock.Advance(time.Duration(ticks) * testInterval)
	if ran, err := server.Fire(ctx); err != nil || ran != ticks {
		t.Fatalf("expected %d ticks, got %d err=%v", ticks, ran, err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
	return world, recorder.Directory(), recorder
}

func TestRecorderRoundTripVerifies(t *testing.T) {
	world, dir, recorder := recordSession(t, 20)

	stats := recorder.Snapshot()
	if stats.Frames != 20 || stats.Events != 3 || stats.LastSequence != 20 {
		t.Fatalf("unexpected recorder stats %+v", stats)
	}

	loader, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loader.Header.MapName != world.Name || loader.Header.TickIntervalMs != 50 {
		t.Fatalf("unexpected header %+v", loader.Header)
	}
	frames := loader.Frames()
	if len(frames) != 20 || frames[0].Sequence != 1 || frames[19].Sequence != 20 {
		t.Fatalf("unexpected frames loaded: %d", len(frames))
	}
	if len(frames[0].Record.Inputs) != 1 || len(frames[0].Record.Before) != 3 {
		t.Fatalf("unexpected first frame %+v", frames[0].Record)
	}
	if events := loader.Events(); len(events) != 3 || events[0].Kind != string(state.EventSpawn) {
		t.Fatalf("unexpected events %+v", events)
	}

	report, err := Verify(world, loader)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() || report.Frames != 20 || report.Entities != 60 {
		t.Fatalf("expected a clean verification, got %+v (%v)", report, report.Mismatch)
	}
}

func TestVerifyReportsFirstMismatch(t *testing.T) {
	world, dir, _ := recordSession(t, 6)
	loader, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	//1.- Nudge one recorded coordinate by a single ulp on tick 4.
	loader.frames[3].Record.After[0].Position[0] = math.Nextafter(loader.frames[3].Record.After[0].Position[0], math.Inf(1))
	loader.frames[4].Record.After[1].Grounded = !loader.frames[4].Record.After[1].Grounded

	report, err := Verify(world, loader)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK() {
		t.Fatalf("expected a mismatch")
	}
	if report.Mismatch.Sequence != 4 || report.Mismatch.Field != "position" {
		t.Fatalf("unexpected mismatch %s", report.Mismatch)
	}
	if report.Frames != 3 {
		t.Fatalf("expected 3 clean frames before the mismatch, got %d", report.Frames)
	}
}

func TestVerifyReportsMissingRow(t *testing.T) {
	world := physics.NewWorld(physics.DefaultParams(), nil, nil)
	e := world.SpawnAt(1, 7, physics.FactionPlayer, 0, geom.Vec3{})
	loader := &Loader{frames: []Frame{{Sequence: 1, Record: state.TickRecord{Sequence: 1, DT: 0.05, Before: []physics.Entity{e}}}}}
	report, err := Verify(world, loader)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK() || report.Mismatch.Field != "missing" || report.Mismatch.EntityID != 1 {
		t.Fatalf("expected missing row mismatch, got %+v", report)
	}
}

func TestVerifyRequiresArguments(t *testing.T) {
	if _, err := Verify(nil, &Loader{}); err == nil {
		t.Fatalf("expected missing world error")
	}
	if _, err := Verify(physics.NewWorld(physics.DefaultParams(), nil, nil), nil); err == nil {
		t.Fatalf("expected missing loader error")
	}
}

func TestLoadRejectsCorruptFrame(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "corrupt", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := writer.AppendFrame(1, []byte{0xff}); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := Load(writer.Directory()); err == nil {
		t.Fatalf("expected corrupt frame to fail loading")
	}
}

func TestLoadRequiresManifest(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected missing manifest error")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected empty directory argument error")
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var recorder *Recorder
	if err := recorder.RecordTick(context.Background(), state.TickRecord{}); err == nil {
		t.Fatalf("expected nil recorder to refuse ticks")
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
