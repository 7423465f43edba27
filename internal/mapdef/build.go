package mapdef

import (
	"fmt"
	"math"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/spatial"
)

// edgeEpsilon is the tolerance under which two edge endpoints are the same vertex.
const edgeEpsilon = 0.01

// Geometry is the expanded, render-free content of a definition.
type Geometry struct {
	Walls     []geom.Segment
	Triangles []geom.Triangle
}

// Expand resolves tiles and rooms into walls and triangles. Walls shared by
// two neighbouring tiles or rooms cancel out so adjacent floors connect.
func Expand(def *Definition) Geometry {
	var out Geometry
	out.Walls = append(out.Walls, def.Walls...)
	out.Triangles = append(out.Triangles, def.Triangles...)

	//1.- Tiles contribute their four sides, shared sides cancel.
	var tileWalls []geom.Segment
	for _, tile := range def.Tiles {
		tileWalls = append(tileWalls, TileWalls(tile)...)
	}
	out.Walls = append(out.Walls, CancelShared(tileWalls)...)

	//2.- Rooms contribute floor triangles and the mesh boundary as walls.
	if len(def.Rooms) > 0 {
		size := def.RoomSize
		if size == 0 {
			size = DefaultRoomSize
		}
		roomTris := make([]geom.Triangle, 0, len(def.Rooms)*2)
		for _, room := range def.Rooms {
			roomTris = append(roomTris, RoomTriangles(room, size)...)
		}
		out.Triangles = append(out.Triangles, roomTris...)
		out.Walls = append(out.Walls, BoundaryEdges(roomTris)...)
	}

	//3.- Optional slope transition walls over the whole mesh.
	if def.SlopeWallDeg > 0 {
		out.Walls = append(out.Walls, SlopeTransitionEdges(out.Triangles, def.SlopeWallDeg)...)
	}
	return out
}

// Build validates and expands a definition into a ready-to-simulate world.
func Build(def *Definition, params physics.Params) (*physics.World, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	geometry := Expand(def)

	var terrain spatial.Terrain
	switch {
	case def.Heightfield != nil:
		hf := def.Heightfield
		field, err := spatial.NewHeightfield(hf.Heights, hf.Resolution, hf.Origin, hf.Size)
		if err != nil {
			return nil, fmt.Errorf("mapdef: %q: %w", def.Name, err)
		}
		terrain = field
	case len(geometry.Triangles) > 0:
		terrain = spatial.NewTriangleGrid(geometry.Triangles, spatial.DefaultCellSize)
	}

	world := physics.NewWorld(params, geometry.Walls, terrain)
	world.Name = def.Name
	world.Spawn = def.Spawn
	return world, nil
}

// TileWalls returns the four sides of a tile.
func TileWalls(tile Tile) []geom.Segment {
	hw, hh := tile.Width/2, tile.Height/2
	bl := geom.Vec2{tile.Center[0] - hw, tile.Center[1] - hh}
	br := geom.Vec2{tile.Center[0] + hw, tile.Center[1] - hh}
	tl := geom.Vec2{tile.Center[0] - hw, tile.Center[1] + hh}
	tr := geom.Vec2{tile.Center[0] + hw, tile.Center[1] + hh}
	return []geom.Segment{
		{Start: bl, End: br},
		{Start: br, End: tr},
		{Start: tr, End: tl},
		{Start: tl, End: bl},
	}
}

// RoomTriangles returns the two floor facets of a room using the heightfield
// diagonal: (tl, bl, tr) and (tr, bl, br).
func RoomTriangles(room Room, size float64) []geom.Triangle {
	cx, cz := float64(room.X)*size, float64(room.Y)*size
	half := size / 2
	x0, x1 := cx-half, cx+half
	z0, z1 := cz-half, cz+half
	tl := geom.Vec3{x0, 0, z0}
	tr := geom.Vec3{x1, 0, z0}
	bl := geom.Vec3{x0, 0, z1}
	br := geom.Vec3{x1, 0, z1}
	return []geom.Triangle{
		{V0: tl, V1: bl, V2: tr},
		{V0: tr, V1: bl, V2: br},
	}
}

// edgeKey identifies an undirected edge by its quantised endpoints.
type edgeKey struct{ ax, az, bx, bz int64 }

func quantise(v float64) int64 { return int64(math.Round(v / edgeEpsilon)) }

func keyOf(a, b geom.Vec2) edgeKey {
	ka := [2]int64{quantise(a[0]), quantise(a[1])}
	kb := [2]int64{quantise(b[0]), quantise(b[1])}
	if kb[0] < ka[0] || (kb[0] == ka[0] && kb[1] < ka[1]) {
		ka, kb = kb, ka
	}
	return edgeKey{ka[0], ka[1], kb[0], kb[1]}
}

type meshEdge struct {
	segment   geom.Segment
	triangles []int
}

// meshEdges groups triangle edges by their XZ footprint in first-seen order.
func meshEdges(tris []geom.Triangle) []*meshEdge {
	index := make(map[edgeKey]*meshEdge)
	var ordered []*meshEdge
	for i, tri := range tris {
		verts := [3]geom.Vec2{geom.XZ(tri.V0), geom.XZ(tri.V1), geom.XZ(tri.V2)}
		for j := 0; j < 3; j++ {
			a, b := verts[j], verts[(j+1)%3]
			key := keyOf(a, b)
			edge, ok := index[key]
			if !ok {
				edge = &meshEdge{segment: geom.Segment{Start: a, End: b}}
				index[key] = edge
				ordered = append(ordered, edge)
			}
			edge.triangles = append(edge.triangles, i)
		}
	}
	return ordered
}

// BoundaryEdges returns the edges used by exactly one triangle.
func BoundaryEdges(tris []geom.Triangle) []geom.Segment {
	var out []geom.Segment
	for _, edge := range meshEdges(tris) {
		if len(edge.triangles) == 1 {
			out = append(out, edge.segment)
		}
	}
	return out
}

// SlopeTransitionEdges returns edges shared by one walkable and one steeper
// facet, so entities cannot walk from a floor onto a cliff face.
func SlopeTransitionEdges(tris []geom.Triangle, maxSlopeDeg float64) []geom.Segment {
	var out []geom.Segment
	for _, edge := range meshEdges(tris) {
		if len(edge.triangles) != 2 {
			continue
		}
		a := tris[edge.triangles[0]].Walkable(maxSlopeDeg)
		b := tris[edge.triangles[1]].Walkable(maxSlopeDeg)
		if a != b {
			out = append(out, edge.segment)
		}
	}
	return out
}

// CancelShared drops every segment that appears twice, keeping the rest in
// order. Both copies of a shared edge are removed.
func CancelShared(segments []geom.Segment) []geom.Segment {
	removed := make([]bool, len(segments))
	var out []geom.Segment
	for i := range segments {
		if removed[i] {
			continue
		}
		duplicate := false
		for j := i + 1; j < len(segments); j++ {
			if removed[j] || !segments[i].EqualApprox(segments[j], edgeEpsilon) {
				continue
			}
			removed[i], removed[j] = true, true
			duplicate = true
			break
		}
		if !duplicate {
			out = append(out, segments[i])
		}
	}
	return out
}
