package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/mapdef"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/replay"
	"dwarfendepths/movecore/internal/simulation"
	"dwarfendepths/movecore/internal/state"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func recordBundle(t *testing.T, ticks int) string {
	t.Helper()
	world, err := mapdef.Build(mapdef.Builtin(), physics.DefaultParams())
	if err != nil {
		t.Fatalf("build world: %v", err)
	}
	clock := &stepClock{now: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)}
	recorder, err := replay.NewRecorder(t.TempDir(), "cli", func() time.Time { return clock.now })
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	recorder.SetHeader(world.Name, 50*time.Millisecond, world.Params.MaxSlopeDeg)
	tables := state.NewTables()
	server, err := simulation.NewTickServer(world, tables, 50*time.Millisecond,
		simulation.WithClock(clock), simulation.WithLogger(logging.NewTestLogger()), simulation.WithSinks(recorder))
	if err != nil {
		t.Fatalf("NewTickServer: %v", err)
	}
	ctx := context.Background()
	player := server.SpawnPlayer(ctx, "cli")
	for seq := uint64(1); seq <= uint64(ticks); seq++ {
		tables.Inputs.Upsert(player.ID, physics.Input{Direction: geom.Vec2{0, 1}, SequenceID: seq})
	}
	server.Fire(ctx)
	clock.now = clock.now.Add(time.Duration(ticks) * 50 * time.Millisecond)
	if _, err := server.Fire(ctx); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return recorder.Directory()
}

func TestReplayCheckReportsOK(t *testing.T) {
	dir := recordBundle(t, 6)
	var out bytes.Buffer
	if err := (&ReplayCheckCmd{Dir: dir}).check(&out); err != nil {
		t.Fatalf("check: %v\n%s", err, out.String())
	}
	for _, want := range []string{"map:      Dungeon", "frames:   6", "entities: 6", "events:   1", "result:   OK"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestReplayCheckRejectsUnknownMap(t *testing.T) {
	cmd := &ReplayCheckCmd{}
	if _, err := cmd.world(replay.Header{MapName: "Caverns"}); err == nil || !strings.Contains(err.Error(), "--map") {
		t.Fatalf("expected a hint to pass --map, got %v", err)
	}
	world, err := cmd.world(replay.Header{MapName: mapdef.BuiltinName, MaxSlopeDeg: 45})
	if err != nil {
		t.Fatalf("builtin world: %v", err)
	}
	if world.Params.MaxSlopeDeg != 45 {
		t.Fatalf("expected recorded slope limit, got %v", world.Params.MaxSlopeDeg)
	}
}

func TestMapInfoDescribesBuiltin(t *testing.T) {
	var out bytes.Buffer
	if err := (&MapInfoCmd{}).describe(&out); err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.Contains(out.String(), "name:      Dungeon") || !strings.Contains(out.String(), "spawn:     (20.00, 0.00, 100.00)") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestReplayListPrintsBundles(t *testing.T) {
	dir := recordBundle(t, 2)
	var out bytes.Buffer
	if err := (&ReplayListCmd{Root: filepath.Dir(dir)}).list(&out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), `"map_name": "Dungeon"`) || !strings.Contains(out.String(), dir) {
		t.Fatalf("unexpected listing:\n%s", out.String())
	}
}
