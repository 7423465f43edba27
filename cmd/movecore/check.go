package main

import (
	"fmt"
	"io"
	"os"

	"dwarfendepths/movecore/internal/mapdef"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/replay"
)

// ReplayCheckCmd verifies a recorded bundle against the map it ran on.
type ReplayCheckCmd struct {
	Dir string `arg:"" name:"dir" help:"Replay bundle directory." type:"existingdir"`
	Map string `help:"Map file the bundle was recorded on. Defaults to the bundled map." type:"existingfile"`
}

// Run loads the bundle, rebuilds the world and re-simulates every frame.
func (c *ReplayCheckCmd) Run(_ *Globals) error {
	return c.check(os.Stdout)
}

func (c *ReplayCheckCmd) check(out io.Writer) error {
	loader, err := replay.Load(c.Dir)
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}
	world, err := c.world(loader.Header)
	if err != nil {
		return err
	}
	report, err := replay.Verify(world, loader)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Fprintf(out, "bundle:   %s\n", c.Dir)
	fmt.Fprintf(out, "map:      %s\n", world.Name)
	fmt.Fprintf(out, "frames:   %d\n", report.Frames)
	fmt.Fprintf(out, "entities: %d\n", report.Entities)
	fmt.Fprintf(out, "events:   %d\n", len(loader.Events()))
	if !report.OK() {
		fmt.Fprintf(out, "result:   DIVERGED %s\n", report.Mismatch)
		return fmt.Errorf("replay diverged at tick %d", report.Mismatch.Sequence)
	}
	fmt.Fprintf(out, "result:   OK\n")
	return nil
}

// world rebuilds the recorded world. Without --map only bundles recorded on
// the bundled map can be checked.
func (c *ReplayCheckCmd) world(header replay.Header) (*physics.World, error) {
	var def *mapdef.Definition
	switch {
	case c.Map != "":
		loaded, err := mapdef.Load(c.Map)
		if err != nil {
			return nil, fmt.Errorf("load map: %w", err)
		}
		def = loaded
	case header.MapName == "" || header.MapName == mapdef.BuiltinName:
		def = mapdef.Builtin()
	default:
		return nil, fmt.Errorf("bundle was recorded on map %q; pass --map", header.MapName)
	}
	if header.MapName != "" && def.Name != header.MapName {
		return nil, fmt.Errorf("map %q does not match recorded map %q", def.Name, header.MapName)
	}
	params := physics.DefaultParams()
	if header.MaxSlopeDeg > 0 {
		params.MaxSlopeDeg = header.MaxSlopeDeg
	}
	world, err := mapdef.Build(def, params)
	if err != nil {
		return nil, fmt.Errorf("build world: %w", err)
	}
	return world, nil
}

// ReplayListCmd prints the bundle catalogue of a replay root.
type ReplayListCmd struct {
	Root string `arg:"" name:"root" help:"Replay root directory." type:"existingdir"`
}

// Run lists the bundles oldest first.
func (c *ReplayListCmd) Run(_ *Globals) error {
	return c.list(os.Stdout)
}

func (c *ReplayListCmd) list(out io.Writer) error {
	entries, err := replay.List(c.Root)
	if err != nil {
		return err
	}
	payload, err := replay.MarshalEntries(entries)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", payload)
	return err
}

// MapInfoCmd prints the expanded geometry of a map definition.
type MapInfoCmd struct {
	Map string `arg:"" optional:"" name:"map" help:"Map file. Defaults to the bundled map." type:"existingfile"`
}

// Run validates and expands the map.
func (c *MapInfoCmd) Run(_ *Globals) error {
	return c.describe(os.Stdout)
}

func (c *MapInfoCmd) describe(out io.Writer) error {
	def, err := mapdef.Resolve(c.Map)
	if err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	world, err := mapdef.Build(def, physics.DefaultParams())
	if err != nil {
		return fmt.Errorf("build world: %w", err)
	}
	geometry := mapdef.Expand(def)
	fmt.Fprintf(out, "name:      %s\n", world.Name)
	fmt.Fprintf(out, "walls:     %d\n", len(geometry.Walls))
	fmt.Fprintf(out, "triangles: %d\n", len(geometry.Triangles))
	fmt.Fprintf(out, "tiles:     %d\n", len(def.Tiles))
	fmt.Fprintf(out, "rooms:     %d\n", len(def.Rooms))
	fmt.Fprintf(out, "spawn:     (%.2f, %.2f, %.2f) yaw %.1f\n",
		world.Spawn.Position[0], world.Spawn.Position[1], world.Spawn.Position[2], world.Spawn.Yaw)
	return nil
}
