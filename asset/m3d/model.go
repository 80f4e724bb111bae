package m3d

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// An RGBA8 color map entry.
type RGBA struct {
	R, G, B, A uint8
}

// A UV coordinate pair, normalized unless out-of-range UVs were allowed.
type UV struct {
	U, V float32
}

// A vertex record. Positions, normals, bone bind poses and animation poses
// all live in this one table; orientation records (Skin == SkinOrientation)
// hold unit quaternions in X,Y,Z,W. Coordinates are already normalized by
// the grid-compression scale.
type Vertex struct {
	X, Y, Z, W float32

	// Color map index; 0 when the record carries no color.
	Color int32

	// Skin table index, SkinNone for unskinned records.
	Skin int32
}

// A bone in topological order: Parent is always less than the bone's own
// index, -1 for roots. Bind pose is parent-relative and interned into the
// vertex table.
type Bone struct {
	Parent      int32
	Name        string
	Position    uint32
	Orientation uint32
}

// One bone influence inside a skin group. Weights are normalized to sum
// 255 over the group.
type BoneWeight struct {
	Bone   int32
	Weight uint8
}

// A deduplicated skin group referenced by vertex records.
type Skin struct {
	Weights []BoneWeight
}

// A single material property. Which of the value fields is meaningful
// follows from KindOf(Type).
type Property struct {
	Type  uint8
	Color uint32
	Value float32
	Byte  uint8
	Map   string
}

// A material: a name plus its ordered property tuple. Materials are
// deduplicated by the full tuple.
type Material struct {
	Name  string
	Props []Property
}

// A polygon face. UVs and Normals are nil when the face carries none;
// otherwise they parallel Vertices. Entries index the UV and vertex tables.
type Face struct {
	// Index into Model.Materials, -1 for faceless material.
	Material int32

	Vertices []uint32
	UVs      []uint32
	Normals  []uint32
}

// The pose of one bone within a frame, referencing interned vertex records.
type FramePose struct {
	Bone        uint32
	Position    uint32
	Orientation uint32
}

// A keyframe: every bone whose pose changed at this timestamp.
type Frame struct {
	TimeMS uint32
	Poses  []FramePose
}

// An animation clip.
type Action struct {
	Name       string
	DurationMS uint32
	Frames     []Frame
}

// An inlined texture payload (always PNG).
type Asset struct {
	Name string
	Data []byte
}

// Model holds the flat, deduplicated tables the compiler produced, ready
// for chunk serialization. All cross references are integer indices into
// sibling tables.
type Model struct {
	Name    string
	License string
	Author  string
	Comment string

	// Model-space 1.0 in SI meters; doubles as the grid-compression
	// normalization factor.
	Scale float32

	// Resolved quality code (never auto at this point).
	Quality int

	Colors    []RGBA
	UVs       []UV
	Vertices  []Vertex
	Bones     []Bone
	Skins     []Skin
	Materials []Material
	Faces     []Face
	Actions   []Action
	Assets    []Asset

	// Largest influence count across skin groups; decides the weight
	// block width in the BONE chunk.
	MaxWeights int
}

// MaxFramePoses returns the largest changed-bone count of any frame, which
// decides the frame count index width.
func (m *Model) MaxFramePoses() int {
	max := 0
	for _, act := range m.Actions {
		for _, fr := range act.Frames {
			if len(fr.Poses) > max {
				max = len(fr.Poses)
			}
		}
	}
	return max
}

// Build a tabular representation of model statistics.
func (m *Model) Stats() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Table", "Entries", "Notes"})
	table.Append([]string{"Vertices", fmt.Sprintf("%d", len(m.Vertices)), fmt.Sprintf("quality %s", qualityName(m.Quality))})
	table.Append([]string{"UVs", fmt.Sprintf("%d", len(m.UVs)), ""})
	table.Append([]string{"Colors", fmt.Sprintf("%d", len(m.Colors)), ""})
	table.Append([]string{"Faces", fmt.Sprintf("%d", len(m.Faces)), ""})
	table.Append([]string{"Materials", fmt.Sprintf("%d", len(m.Materials)), ""})
	table.Append([]string{"Bones", fmt.Sprintf("%d", len(m.Bones)), fmt.Sprintf("%d skin groups", len(m.Skins))})
	table.Append([]string{"Actions", fmt.Sprintf("%d", len(m.Actions)), fmt.Sprintf("%d frames", m.totalFrames())})
	table.Append([]string{"Inlined textures", fmt.Sprintf("%d", len(m.Assets)), fmtSize(m.assetBytes())})
	table.Render()
	return buf.String()
}

func (m *Model) totalFrames() int {
	n := 0
	for _, act := range m.Actions {
		n += len(act.Frames)
	}
	return n
}

func (m *Model) assetBytes() int {
	n := 0
	for _, as := range m.Assets {
		n += len(as.Data)
	}
	return n
}

func qualityName(q int) string {
	switch q {
	case QualityInt8:
		return "int8"
	case QualityInt16:
		return "int16"
	case QualityFloat:
		return "float"
	case QualityDouble:
		return "double"
	}
	return fmt.Sprintf("unknown(%d)", q)
}

// Format a byte count with the appropriate unit.
func fmtSize(totalBytes int) string {
	switch {
	case totalBytes == 0:
		return ""
	case totalBytes < 1e3:
		return fmt.Sprintf("%d bytes", totalBytes)
	case totalBytes < 1e6:
		return fmt.Sprintf("%.1f kb", float64(totalBytes)/1e3)
	}
	return fmt.Sprintf("%.1f mb", float64(totalBytes)/1e6)
}

// SafeName converts an arbitrary host name to a single-word identifier the
// string table can hold.
func SafeName(name string) string {
	name = strings.NewReplacer(" ", "_", "/", "_", `\`, "_", "\r", "", "\n", " ").Replace(name)
	return strings.TrimSpace(name)
}

// SafeLine flattens a free-form string to a single line.
func SafeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// SafeText normalizes line endings of a multi-line string.
func SafeText(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return strings.TrimSpace(s)
}
