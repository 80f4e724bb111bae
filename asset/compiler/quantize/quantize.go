// Package quantize maps floating-point geometry onto the fixed-point
// lattice implied by the configured coordinate quality and merges entries
// that land on the same lattice point. Merging is deterministic: identical
// inputs always resolve to the same output index regardless of traversal
// order, because the table is keyed by the lattice coordinates themselves.
package quantize

import (
	"math"

	"github.com/chewxy/math32"

	"m3dconv/asset/m3d"
)

// Grid describes the signed coordinate lattice: values are divided by
// Scale (the symmetric bounding-box extent) and rounded to Steps
// subdivisions per unit. Steps of zero means a float quality: the lattice
// is the identity and entries merge on exact equality.
type Grid struct {
	Scale float32
	Steps int64
}

// NewGrid derives the lattice from the grid-compression scale and the
// quality code.
func NewGrid(scale float32, quality int) Grid {
	if scale == 0 {
		scale = 1
	}
	return Grid{Scale: scale, Steps: stepsFor(quality)}
}

func stepsFor(quality int) int64 {
	switch quality {
	case m3d.QualityInt8:
		return 127
	case m3d.QualityInt16:
		return 32767
	}
	return 0
}

// Snap normalizes one coordinate and rounds it to the nearest lattice
// value, half to even, clamped to the representable range. The returned
// value is the dequantized normalized coordinate, so encoding it later is
// exact.
func (g Grid) Snap(v float32) float32 {
	v /= g.Scale
	if g.Steps == 0 {
		return noNegZero(v)
	}
	n := math.RoundToEven(float64(v) * float64(g.Steps))
	if n > float64(g.Steps) {
		n = float64(g.Steps)
	} else if n < -float64(g.Steps) {
		n = -float64(g.Steps)
	}
	return noNegZero(float32(n / float64(g.Steps)))
}

// Step returns the coordinate distance between adjacent lattice values in
// model space (before normalization), zero for float qualities.
func (g Grid) Step() float32 {
	if g.Steps == 0 {
		return 0
	}
	return g.Scale / float32(g.Steps)
}

// UVGrid is the unsigned 0..1 lattice used for texture coordinates.
type UVGrid struct {
	Steps int64
}

// NewUVGrid derives the UV lattice from the quality code.
func NewUVGrid(quality int) UVGrid {
	switch quality {
	case m3d.QualityInt8:
		return UVGrid{Steps: 255}
	case m3d.QualityInt16:
		return UVGrid{Steps: 65535}
	}
	return UVGrid{}
}

// Snap rounds one UV component to the lattice, half to even.
func (g UVGrid) Snap(v float32) float32 {
	if g.Steps == 0 {
		return noNegZero(v)
	}
	n := math.RoundToEven(float64(v) * float64(g.Steps))
	if n < 0 {
		n = 0
	} else if n > float64(g.Steps) {
		n = float64(g.Steps)
	}
	return float32(n / float64(g.Steps))
}

// MaxAbs returns the largest absolute coordinate of the position-like
// records. Orientation records hold unit quaternions and never take part
// in grid compression.
func MaxAbs(verts []m3d.Vertex) float32 {
	var max float32
	for _, v := range verts {
		if v.Skin == m3d.SkinOrientation {
			continue
		}
		max = math32.Max(max, math32.Abs(v.X))
		max = math32.Max(max, math32.Abs(v.Y))
		max = math32.Max(max, math32.Abs(v.Z))
	}
	return max
}

type vertexKey struct {
	x, y, z, w uint32
	color      int32
	skin       int32
}

// VertexTable merges vertex records on lattice identity. It keeps its
// key index around so later pipeline stages can intern additional records
// (bone bind and animation poses) with the same dedup guarantees.
type VertexTable struct {
	Entries []m3d.Vertex
	grid    Grid
	index   map[vertexKey]int
}

// NewVertexTable creates an empty table over the given lattice.
func NewVertexTable(grid Grid) *VertexTable {
	return &VertexTable{
		grid:  grid,
		index: make(map[vertexKey]int),
	}
}

// BuildVertices quantizes and merges the raw collected vertex records and
// returns the table plus the old-index to new-index mapping for the face
// lists.
func BuildVertices(raw []m3d.Vertex, grid Grid) (*VertexTable, []int) {
	table := NewVertexTable(grid)
	remap := make([]int, len(raw))
	for i, v := range raw {
		remap[i] = table.Intern(v)
	}
	return table, remap
}

// Intern snaps a record to the lattice and returns the index of the entry
// it merged into, appending a new entry when the lattice point is unseen.
// Two records merge only when position, w, color and skin identity all
// agree.
func (t *VertexTable) Intern(v m3d.Vertex) int {
	snapped := t.snap(v)
	key := vertexKey{
		x:     math.Float32bits(snapped.X),
		y:     math.Float32bits(snapped.Y),
		z:     math.Float32bits(snapped.Z),
		w:     math.Float32bits(snapped.W),
		color: snapped.Color,
		skin:  snapped.Skin,
	}
	if idx, exists := t.index[key]; exists {
		return idx
	}
	idx := len(t.Entries)
	t.Entries = append(t.Entries, snapped)
	t.index[key] = idx
	return idx
}

func (t *VertexTable) snap(v m3d.Vertex) m3d.Vertex {
	if v.Skin == m3d.SkinOrientation {
		// Quaternions are unit-range already; quantize without the
		// coordinate scale.
		unit := Grid{Scale: 1, Steps: t.grid.Steps}
		v.X = unit.Snap(v.X)
		v.Y = unit.Snap(v.Y)
		v.Z = unit.Snap(v.Z)
		v.W = unit.Snap(v.W)
		return v
	}
	v.X = t.grid.Snap(v.X)
	v.Y = t.grid.Snap(v.Y)
	v.Z = t.grid.Snap(v.Z)
	v.W = noNegZero(v.W)
	return v
}

// BuildUVs quantizes and merges the raw UV list and returns the merged
// table plus the old-index to new-index mapping.
func BuildUVs(raw []m3d.UV, grid UVGrid) ([]m3d.UV, []int) {
	type uvKey struct{ u, v uint32 }
	index := make(map[uvKey]int, len(raw))
	merged := make([]m3d.UV, 0, len(raw))
	remap := make([]int, len(raw))
	for i, uv := range raw {
		snapped := m3d.UV{U: grid.Snap(uv.U), V: grid.Snap(uv.V)}
		key := uvKey{u: math.Float32bits(snapped.U), v: math.Float32bits(snapped.V)}
		if idx, exists := index[key]; exists {
			remap[i] = idx
			continue
		}
		idx := len(merged)
		merged = append(merged, snapped)
		index[key] = idx
		remap[i] = idx
	}
	return merged, remap
}

func noNegZero(v float32) float32 {
	if v == 0 {
		return 0
	}
	return v
}
