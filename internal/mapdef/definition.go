// Package mapdef loads world/map definitions and turns them into the static
// collision geometry the simulation runs against.
package mapdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/physics"
)

var (
	// ErrNoGeometry reports a definition with nothing to collide with or stand on.
	ErrNoGeometry = errors.New("mapdef: definition has no geometry")
	// ErrAmbiguousTerrain reports a definition carrying both terrain flavours.
	ErrAmbiguousTerrain = errors.New("mapdef: definition sets both triangles and heightfield")
)

// DefaultRoomSize is the edge length of a room cell in world units.
const DefaultRoomSize = 10.0

// Definition is the on-disk world description. Tiles and Rooms are authoring
// shorthands expanded into walls and triangles by Build.
type Definition struct {
	Name        string          `json:"name" yaml:"name"`
	Walls       []geom.Segment  `json:"walls,omitempty" yaml:"walls,omitempty"`
	Triangles   []geom.Triangle `json:"triangles,omitempty" yaml:"triangles,omitempty"`
	Heightfield *Heightfield    `json:"heightfield,omitempty" yaml:"heightfield,omitempty"`
	Spawn       physics.Spawn   `json:"spawn" yaml:"spawn"`
	Tiles       []Tile          `json:"tiles,omitempty" yaml:"tiles,omitempty"`
	Rooms       []Room          `json:"rooms,omitempty" yaml:"rooms,omitempty"`
	RoomSize    float64         `json:"room_size,omitempty" yaml:"room_size,omitempty"`
	// SlopeWallDeg turns mesh edges between walkable and steeper facets into
	// walls. Zero disables the pass.
	SlopeWallDeg float64 `json:"slope_wall_deg,omitempty" yaml:"slope_wall_deg,omitempty"`
}

// Heightfield is the regular grid terrain flavour.
type Heightfield struct {
	Origin     geom.Vec2 `json:"origin" yaml:"origin"`
	Size       geom.Vec2 `json:"size" yaml:"size"`
	Resolution int       `json:"resolution" yaml:"resolution"`
	Heights    []float64 `json:"heights" yaml:"heights"`
}

// Tile is an axis aligned floor rectangle bounded by four walls.
type Tile struct {
	Center geom.Vec2 `json:"center" yaml:"center"`
	Width  float64   `json:"width" yaml:"width"`
	Height float64   `json:"height" yaml:"height"`
}

// Room is one cell of a room grid. The room floor is centred on
// (X*RoomSize, Y*RoomSize).
type Room struct {
	X    int `json:"x" yaml:"x"`
	Y    int `json:"y" yaml:"y"`
	Kind int `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Validate reports configuration errors that must fail the load.
func (d *Definition) Validate() error {
	if d == nil {
		return ErrNoGeometry
	}
	if len(d.Walls) == 0 && len(d.Triangles) == 0 && d.Heightfield == nil && len(d.Tiles) == 0 && len(d.Rooms) == 0 {
		return fmt.Errorf("%w: %q", ErrNoGeometry, d.Name)
	}
	if d.Heightfield != nil && (len(d.Triangles) > 0 || len(d.Rooms) > 0) {
		return fmt.Errorf("%w: %q", ErrAmbiguousTerrain, d.Name)
	}
	for i, tile := range d.Tiles {
		if tile.Width <= 0 || tile.Height <= 0 {
			return fmt.Errorf("mapdef: tile %d of %q has non-positive extent", i, d.Name)
		}
	}
	if d.RoomSize < 0 {
		return fmt.Errorf("mapdef: room size of %q must be positive", d.Name)
	}
	return nil
}

// Load reads a definition from a .yaml, .yml or .json file and validates it.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapdef: read %s: %w", path, err)
	}
	var def Definition
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	case ".json":
		err = json.Unmarshal(data, &def)
	default:
		return nil, fmt.Errorf("mapdef: %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("mapdef: decode %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = trimExt(filepath.Base(path))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
