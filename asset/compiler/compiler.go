// Package compiler turns a host scene snapshot into the flat, deduplicated
// table set of a Model 3D file. The pipeline runs strictly forward through
// four stages (collect, quantize, pack materials, encode skeleton); each
// stage only appends to shared tables and never rewrites what an earlier
// stage produced, so a failed export can simply be thrown away.
package compiler

import (
	"fmt"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"m3dconv/asset/compiler/quantize"
	"m3dconv/asset/m3d"
	"m3dconv/asset/scene"
	"m3dconv/config"
	"m3dconv/log"
)

// A Diagnostic is a recoverable problem found during compilation. The
// pipeline accumulates these and still produces a model; only structural
// errors (empty scene, bone cycles, index overflow) abort the run.
type Diagnostic struct {
	Stage   string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Stage, d.Message)
}

type Diagnostics []Diagnostic

// A raw polygon emitted by the collect stage. Indices point into the raw
// vertex/UV tables until the quantize stage merges those and remaps them.
type rawFace struct {
	// Index into the collected material list, -1 for no material.
	material int

	verts   []int
	uvs     []int
	normals []int
}

// One bone influence by name; bone indices only exist after the skeleton
// stage sorts the bone table.
type rawWeight struct {
	bone   string
	weight uint8
}

type rawSkin struct {
	weights []rawWeight
}

// A collected bone with its bind pose already interned into the raw vertex
// table (position record plus orientation record).
type rawBone struct {
	name   string
	parent string
	pos    int
	ori    int
}

type modelCompiler struct {
	sc     *scene.Scene
	cfg    *config.Config
	model  *m3d.Model
	logger log.Logger
	diags  Diagnostics

	// Raw tables built by the collect stage.
	rawVerts     []m3d.Vertex
	rawVertIndex map[m3d.Vertex]int
	rawUVs       []m3d.UV
	rawUVIndex   map[m3d.UV]int
	colors       *colorTable
	rawSkins     []rawSkin
	skinIndex    map[string]int
	rawFaces     []rawFace
	materials    []*scene.Material
	matIndex     map[*scene.Material]int
	bones        []rawBone
	boneIndex    map[string]int
	actions      []*scene.Action
	maxWeights   int

	// Cleared when the armatures cannot be exported coherently (duplicate
	// bone names across objects); skins and actions are dropped with it.
	skeletonOK bool

	// Merged tables built by the quantize stage.
	grid       quantize.Grid
	verts      *quantize.VertexTable
	vertRemap  []int
	uvRemap    []int
	quantFaces []m3d.Face
}

// Compile a scene snapshot into a Model 3D table set. The scene is deep
// copied up front so the pipeline can never alias host-owned data; the
// configuration is read-only throughout.
func Compile(sc *scene.Scene, cfg *config.Config) (*m3d.Model, Diagnostics, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	snapshot, err := sc.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("compiler: snapshotting scene: %v", err)
	}

	mc := &modelCompiler{
		sc:           snapshot,
		cfg:          cfg,
		model:        &m3d.Model{},
		logger:       log.New("model compiler"),
		rawVertIndex: make(map[m3d.Vertex]int),
		rawUVIndex:   make(map[m3d.UV]int),
		colors:       newColorTable(),
		skinIndex:    make(map[string]int),
		matIndex:     make(map[*scene.Material]int),
		boneIndex:    make(map[string]int),
		skeletonOK:   true,
	}

	start := time.Now()
	mc.logger.Noticef("compiling scene %q", mc.name())

	err = mc.collectScene()
	if err != nil {
		return nil, nil, err
	}

	err = mc.quantizeGeometry()
	if err != nil {
		return nil, nil, err
	}

	err = mc.packMaterials()
	if err != nil {
		return nil, nil, err
	}

	err = mc.encodeSkeleton()
	if err != nil {
		return nil, nil, err
	}

	mc.finalize()

	mc.logger.Noticef("compiled scene in %d ms", time.Since(start).Nanoseconds()/1e6)
	return mc.model, mc.diags, nil
}

// finalize fills in metadata and snapshots the tables that later stages
// kept appending to (the skeleton stage interns animation poses into the
// vertex table, the material stage interns colors).
func (mc *modelCompiler) finalize() {
	mc.model.Name = mc.name()
	mc.model.License = mc.cfg.License
	mc.model.Author = mc.cfg.Author
	if mc.model.Author == "" {
		mc.model.Author = os.Getenv("LOGNAME")
	}
	mc.model.Comment = mc.cfg.Comment

	mc.model.Vertices = mc.verts.Entries
	mc.model.Colors = mc.colors.entries
}

func (mc *modelCompiler) name() string {
	if mc.cfg.Name != "" {
		return mc.cfg.Name
	}
	if mc.sc.Name != "" {
		return mc.sc.Name
	}
	for _, ob := range mc.sc.Objects {
		if ob.Name != "" {
			return ob.Name
		}
	}
	return "model"
}

// diagf records a recoverable problem and logs it as a warning.
func (mc *modelCompiler) diagf(stage, format string, v ...interface{}) {
	d := Diagnostic{Stage: stage, Message: fmt.Sprintf(format, v...)}
	mc.diags = append(mc.diags, d)
	mc.logger.Warningf("%s", d)
}

// colorTable interns RGBA colors, already quantized to 8 bits per channel
// so near-identical float colors merge.
type colorTable struct {
	entries []m3d.RGBA
	index   map[m3d.RGBA]int
}

func newColorTable() *colorTable {
	return &colorTable{index: make(map[m3d.RGBA]int)}
}

func (t *colorTable) intern(c mgl32.Vec4) int {
	entry := m3d.RGBA{
		R: colorByte(c.X()),
		G: colorByte(c.Y()),
		B: colorByte(c.Z()),
		A: colorByte(c.W()),
	}
	if idx, exists := t.index[entry]; exists {
		return idx
	}
	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	t.index[entry] = idx
	return idx
}

func colorByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
