package scene

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/tiendc/go-deepcopy"

	"m3dconv/asset/texture"
)

// The scene is an immutable snapshot of everything the host application
// holds for export: evaluated meshes, materials with resolved image
// references, the armature bind pose and the recorded actions. The compiler
// never reaches back into the host object model; it only reads this.
type Scene struct {
	Name    string
	License string
	Author  string
	Comment string

	Objects []*Object
}

// An exportable object: an evaluated mesh placed by a local-to-world
// transform, optionally skinned against an armature.
type Object struct {
	Name string

	// Local-to-world transform, baked into emitted positions and normals.
	Transform mgl32.Mat4

	Mesh     *Mesh
	Armature *Armature
}

// Evaluated mesh data (post-modifier). Faces index into Positions;
// per-corner UV/normal/color data rides on the corners themselves since
// the host splits those per loop, not per vertex.
type Mesh struct {
	Name string

	Positions []mgl32.Vec3

	// Skin bindings parallel to Positions; nil entries are unskinned.
	Weights [][]VertexWeight

	Faces []Face

	// Material slots referenced by Face.MaterialSlot.
	Materials []*Material
}

// A single polygon. Corner order defines the winding.
type Face struct {
	// Index into Mesh.Materials, -1 when the face carries no material.
	MaterialSlot int

	Corners []Corner
}

// One face corner (a host "loop").
type Corner struct {
	// Index into Mesh.Positions.
	Vertex int

	UV    mgl32.Vec2
	HasUV bool

	Normal    mgl32.Vec3
	HasNormal bool

	Color    mgl32.Vec4
	HasColor bool
}

// A bone influence on a vertex. Weights of a vertex sum to roughly one;
// the collector renormalizes them exactly.
type VertexWeight struct {
	Bone   string
	Weight float32
}

// Material properties, named after the principled BSDF socket each one
// mirrors. Scalar zero values mean "unset" and are not exported.
type Material struct {
	Name string

	BaseColor    mgl32.Vec4
	HasBaseColor bool

	Specular     float32
	Transmission float32
	Alpha        float32
	Roughness    float32
	Metallic     float32
	IOR          float32

	BaseColorTex    *ImageRef
	TransmissionTex *ImageRef
	NormalTex       *ImageRef
	AlphaTex        *ImageRef
	RoughnessTex    *ImageRef
	MetallicTex     *ImageRef
}

// ImageRef points at a texture payload: either bytes packed into the host
// document, a raw host-internal pixel buffer, or a filesystem path.
type ImageRef struct {
	Name string

	// Packed payload and its encoding tag; nil when the image lives on
	// the filesystem.
	Data   []byte
	Format texture.Format

	// Raw pixel buffer alternative (RGBA floats, bottom-up rows).
	Width  int
	Height int
	Pixels []float32

	// Filesystem fallback when no packed payload is present.
	Path string
}

// Armature bind pose. Bone order is arbitrary; the encoder topologically
// sorts it.
type Armature struct {
	Name    string
	Bones   []*Bone
	Actions []*Action
}

// A bone with its parent-relative bind pose. Root bones have an empty
// parent name and a model-space pose.
type Bone struct {
	Name   string
	Parent string

	Position mgl32.Vec3
	Rotation mgl32.Quat
}

// A named animation clip.
type Action struct {
	Name       string
	DurationMS uint32
	Tracks     []*Track
}

// Keyframes of one bone within an action. Sparse: bones without keys at a
// given time simply hold their previous pose.
type Track struct {
	Bone string
	Keys []Key
}

// One keyframe sample: parent-relative pose at a point in time. Times are
// monotonically non-decreasing within a track.
type Key struct {
	TimeMS   uint32
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

// Clone returns a deep copy of the scene so that parallel export
// invocations (or a host mutating its document mid-export) can never alias
// into pipeline tables.
func (sc *Scene) Clone() (*Scene, error) {
	dst := &Scene{}
	if err := deepcopy.Copy(dst, sc); err != nil {
		return nil, err
	}
	return dst, nil
}
