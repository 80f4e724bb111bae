package compiler

import (
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"m3dconv/asset/m3d"
	"m3dconv/asset/scene"
	"m3dconv/config"
)

func triObject(name string) *scene.Object {
	return &scene.Object{
		Name:      name,
		Transform: mgl32.Ident4(),
		Mesh: &scene.Mesh{
			Name: name,
			Positions: []mgl32.Vec3{
				{0, 0, 0},
				{1, 0, 0},
				{0, 1, 0},
			},
			Faces: []scene.Face{
				{MaterialSlot: -1, Corners: []scene.Corner{{Vertex: 0}, {Vertex: 1}, {Vertex: 2}}},
			},
		},
	}
}

func quadScene() *scene.Scene {
	ob := &scene.Object{
		Name:      "quad",
		Transform: mgl32.Ident4(),
		Mesh: &scene.Mesh{
			Name: "quad",
			Positions: []mgl32.Vec3{
				{0, 0, 0},
				{1, 0, 0},
				{1, 1, 0},
				{0, 1, 0},
			},
			Faces: []scene.Face{
				{MaterialSlot: -1, Corners: []scene.Corner{{Vertex: 0}, {Vertex: 1}, {Vertex: 2}}},
				{MaterialSlot: -1, Corners: []scene.Corner{{Vertex: 0}, {Vertex: 2}, {Vertex: 3}}},
			},
		},
	}
	return &scene.Scene{Name: "quad", Objects: []*scene.Object{ob}}
}

func hasDiag(diags Diagnostics, fragment string) bool {
	for _, d := range diags {
		if strings.Contains(d.Message, fragment) {
			return true
		}
	}
	return false
}

func TestCompileMergesSharedVertices(t *testing.T) {
	model, diags, err := Compile(quadScene(), config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics; got %v", diags)
	}

	if len(model.Vertices) != 4 {
		t.Fatalf("expected the shared edge to merge into 4 vertex records; got %d", len(model.Vertices))
	}
	if len(model.Faces) != 2 {
		t.Fatalf("expected 2 faces; got %d", len(model.Faces))
	}
	if model.Quality != m3d.QualityInt8 {
		t.Fatalf("expected the auto quality to pick int8 for a tiny scene; got %d", model.Quality)
	}
	if model.Scale != 1 {
		t.Fatalf("expected a grid-compression scale of 1; got %g", model.Scale)
	}
	if model.Name != "quad" {
		t.Fatalf("expected the scene name to become the model name; got %q", model.Name)
	}
}

func TestCompileDeduplicatesRepeatedGeometry(t *testing.T) {
	one := &scene.Scene{Objects: []*scene.Object{triObject("a")}}
	twice := &scene.Scene{Objects: []*scene.Object{triObject("a"), triObject("b")}}

	base, _, err := Compile(one, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	model, _, err := Compile(twice, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	// Geometrically identical meshes collapse into the same vertex records;
	// only the face list grows.
	if len(model.Vertices) != len(base.Vertices) {
		t.Fatalf("expected the repeated mesh to add no vertex records; got %d, want %d",
			len(model.Vertices), len(base.Vertices))
	}
	if len(model.Faces) != 2*len(base.Faces) {
		t.Fatalf("expected both copies to keep their faces; got %d", len(model.Faces))
	}
}

func TestCompileEmptySceneFails(t *testing.T) {
	if _, _, err := Compile(&scene.Scene{Name: "empty"}, config.Default()); err == nil {
		t.Fatal("expected an error for a scene with no faces")
	}
}

func TestCompileDropsDegenerateFaces(t *testing.T) {
	sc := quadScene()
	mesh := sc.Objects[0].Mesh
	mesh.Faces = append(mesh.Faces,
		scene.Face{Corners: []scene.Corner{{Vertex: 0}, {Vertex: 1}}},
		scene.Face{Corners: []scene.Corner{{Vertex: 0}, {Vertex: 1}, {Vertex: 99}}},
	)

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(model.Faces) != 2 {
		t.Fatalf("expected the degenerate faces to be dropped; got %d faces", len(model.Faces))
	}
	if !hasDiag(diags, "degenerate") {
		t.Fatalf("expected a degenerate-face diagnostic; got %v", diags)
	}
}

func TestCompileFanTriangulatesLargePolygons(t *testing.T) {
	positions := make([]mgl32.Vec3, 18)
	corners := make([]scene.Corner, 18)
	for i := range positions {
		positions[i] = mgl32.Vec3{float32(i), float32(i % 3), 0}
		corners[i] = scene.Corner{Vertex: i}
	}
	sc := &scene.Scene{Objects: []*scene.Object{{
		Name:      "disc",
		Transform: mgl32.Ident4(),
		Mesh: &scene.Mesh{
			Name:      "disc",
			Positions: positions,
			Faces:     []scene.Face{{MaterialSlot: -1, Corners: corners}},
		},
	}}}

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(model.Faces) != 16 {
		t.Fatalf("expected an 18-gon to split into 16 triangles; got %d faces", len(model.Faces))
	}
	if !hasDiag(diags, "fan-triangulated") {
		t.Fatalf("expected a fan-triangulation diagnostic; got %v", diags)
	}
}

func TestCompileFlipsMirroredWinding(t *testing.T) {
	sc := &scene.Scene{Objects: []*scene.Object{triObject("tri")}}
	sc.Objects[0].Transform = mgl32.Scale3D(-1, 1, 1)

	cfg := config.Default()
	cfg.Quality = config.QualityFloat
	cfg.GridCompress = false

	model, _, err := Compile(sc, cfg)
	if err != nil {
		t.Fatal(err)
	}

	// The mirrored triangle emits its corners in reverse order, so the
	// first face vertex is the baked third corner (0, 1, 0).
	first := model.Vertices[model.Faces[0].Vertices[0]]
	if first.X != 0 || first.Y != 1 {
		t.Fatalf("expected the first corner to be the reversed one; got (%g, %g)", first.X, first.Y)
	}
}

func TestCompileDeduplicatesMaterials(t *testing.T) {
	red := mgl32.Vec4{1, 0, 0, 1}
	sc := quadScene()
	mesh := sc.Objects[0].Mesh
	mesh.Materials = []*scene.Material{
		{Name: "red_a", BaseColor: red, HasBaseColor: true},
		{Name: "red_b", BaseColor: red, HasBaseColor: true},
	}
	mesh.Faces[0].MaterialSlot = 0
	mesh.Faces[1].MaterialSlot = 1

	model, _, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	if len(model.Materials) != 1 {
		t.Fatalf("expected identical property tuples to merge; got %d materials", len(model.Materials))
	}
	for _, f := range model.Faces {
		if f.Material != 0 {
			t.Fatalf("expected both faces to reference the merged material; got %d", f.Material)
		}
	}
	if len(model.Colors) != 1 {
		t.Fatalf("expected one interned color; got %d", len(model.Colors))
	}
	if model.Colors[0] != (m3d.RGBA{R: 255, A: 255}) {
		t.Fatalf("expected the base color to intern as opaque red; got %+v", model.Colors[0])
	}
}

func TestCompileReportsUnusedMaterials(t *testing.T) {
	sc := quadScene()
	sc.Objects[0].Mesh.Materials = []*scene.Material{
		{Name: "lonely", HasBaseColor: true, BaseColor: mgl32.Vec4{1, 1, 1, 1}},
	}

	_, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "not referenced") {
		t.Fatalf("expected an unused-material diagnostic; got %v", diags)
	}
}

func TestCompileUndefinedMaterialSlot(t *testing.T) {
	sc := quadScene()
	mesh := sc.Objects[0].Mesh
	mesh.Materials = []*scene.Material{
		{Name: "base", HasBaseColor: true, BaseColor: mgl32.Vec4{1, 1, 1, 1}},
	}
	mesh.Faces[0].MaterialSlot = 0
	mesh.Faces[1].MaterialSlot = 3

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "undefined material slot") {
		t.Fatalf("expected an undefined-slot diagnostic; got %v", diags)
	}
	for _, f := range model.Faces {
		if f.Material != 0 {
			t.Fatalf("expected the bad slot to fall back to the first material; got %d", f.Material)
		}
	}
}

func TestCompileUndefinedSlotWithoutMaterials(t *testing.T) {
	sc := quadScene()
	sc.Objects[0].Mesh.Faces[0].MaterialSlot = 3

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "undefined material slot") {
		t.Fatalf("expected an undefined-slot diagnostic; got %v", diags)
	}
	for _, f := range model.Faces {
		if f.Material != -1 {
			t.Fatalf("expected the face to stay unassigned on a material-less mesh; got %d", f.Material)
		}
	}
}

func TestCompileClampsOutOfRangeUVs(t *testing.T) {
	sc := quadScene()
	mesh := sc.Objects[0].Mesh
	for i := range mesh.Faces {
		for j := range mesh.Faces[i].Corners {
			mesh.Faces[i].Corners[j].UV = mgl32.Vec2{1.5, -0.5}
			mesh.Faces[i].Corners[j].HasUV = true
		}
	}

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "clamped") {
		t.Fatalf("expected a UV clamp diagnostic; got %v", diags)
	}
	if len(model.UVs) != 1 {
		t.Fatalf("expected the clamped UVs to merge to one entry; got %d", len(model.UVs))
	}
	if uv := model.UVs[0]; uv.U != 1 || uv.V != 0 {
		t.Fatalf("expected the UV to clamp to (1, 0); got (%g, %g)", uv.U, uv.V)
	}
}

func TestCompileClampsOnlyOutOfRangeUVs(t *testing.T) {
	sc := quadScene()
	mesh := sc.Objects[0].Mesh
	for j := range mesh.Faces[0].Corners {
		mesh.Faces[0].Corners[j].UV = mgl32.Vec2{1.5, -0.5}
		mesh.Faces[0].Corners[j].HasUV = true
	}
	// 0.2 and 0.8 sit exactly on the 255-step lattice (51/255, 204/255).
	for j := range mesh.Faces[1].Corners {
		mesh.Faces[1].Corners[j].UV = mgl32.Vec2{0.2, 0.8}
		mesh.Faces[1].Corners[j].HasUV = true
	}

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "clamped") {
		t.Fatalf("expected a UV clamp diagnostic; got %v", diags)
	}
	if len(model.UVs) != 2 {
		t.Fatalf("expected 2 UV entries; got %d", len(model.UVs))
	}
	if uv := model.UVs[0]; uv.U != 1 || uv.V != 0 {
		t.Fatalf("expected the out-of-range UV to clamp to (1, 0); got (%g, %g)", uv.U, uv.V)
	}
	if uv := model.UVs[1]; uv.U != 0.2 || uv.V != 0.8 {
		t.Fatalf("expected the in-range UV to survive unchanged; got (%g, %g)", uv.U, uv.V)
	}
}

func TestCompileKeepsOutOfRangeUVsWhenAllowed(t *testing.T) {
	sc := quadScene()
	mesh := sc.Objects[0].Mesh
	for i := range mesh.Faces {
		for j := range mesh.Faces[i].Corners {
			mesh.Faces[i].Corners[j].UV = mgl32.Vec2{1.5, -0.5}
			mesh.Faces[i].Corners[j].HasUV = true
		}
	}

	cfg := config.Default()
	cfg.AllowOutOfRangeUVs = true

	model, _, err := Compile(sc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if model.Quality != m3d.QualityFloat {
		t.Fatalf("expected out-of-range UVs to force float coordinates; got quality %d", model.Quality)
	}
	if uv := model.UVs[0]; uv.U != 1.5 || uv.V != -0.5 {
		t.Fatalf("expected the UV to survive unclamped; got (%g, %g)", uv.U, uv.V)
	}
}

func riggedScene() *scene.Scene {
	rig := &scene.Object{
		Name:      "rig",
		Transform: mgl32.Ident4(),
		Armature: &scene.Armature{
			Name: "rig",
			Bones: []*scene.Bone{
				{Name: "root", Rotation: mgl32.QuatIdent()},
				{Name: "arm", Parent: "root", Position: mgl32.Vec3{0, 1, 0}, Rotation: mgl32.QuatIdent()},
			},
		},
	}

	body := triObject("body")
	body.Mesh.Weights = [][]scene.VertexWeight{
		{{Bone: "root", Weight: 0.5}, {Bone: "arm", Weight: 0.5}},
		{{Bone: "root", Weight: 1}},
		{{Bone: "arm", Weight: 1}},
	}

	return &scene.Scene{Name: "rigged", Objects: []*scene.Object{rig, body}}
}

func TestCompileSkeleton(t *testing.T) {
	model, diags, err := Compile(riggedScene(), config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics; got %v", diags)
	}

	if len(model.Bones) != 2 {
		t.Fatalf("expected 2 bones; got %d", len(model.Bones))
	}
	if model.Bones[0].Parent != -1 || model.Bones[1].Parent != 0 {
		t.Fatalf("expected parent indices [-1 0]; got [%d %d]", model.Bones[0].Parent, model.Bones[1].Parent)
	}
	if len(model.Skins) != 3 {
		t.Fatalf("expected 3 distinct skin groups; got %d", len(model.Skins))
	}
	if model.MaxWeights != 2 {
		t.Fatalf("expected a max influence count of 2; got %d", model.MaxWeights)
	}

	for _, sk := range model.Skins {
		sum := 0
		for _, w := range sk.Weights {
			sum += int(w.Weight)
		}
		if sum != 255 {
			t.Fatalf("expected skin weights to sum to 255; got %d", sum)
		}
	}

	// Orientation records hold quaternions and are tagged as such.
	ori := model.Vertices[model.Bones[0].Orientation]
	if ori.Skin != m3d.SkinOrientation || ori.W != 1 {
		t.Fatalf("expected an identity quaternion orientation record; got %+v", ori)
	}
}

func TestCompileBoneTopologicalOrder(t *testing.T) {
	sc := riggedScene()
	// Present the child before its parent; the encoder must reorder.
	bones := sc.Objects[0].Armature.Bones
	bones[0], bones[1] = bones[1], bones[0]

	model, _, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if model.Bones[0].Name != "root" || model.Bones[1].Name != "arm" {
		t.Fatalf("expected parents to precede children; got [%s %s]", model.Bones[0].Name, model.Bones[1].Name)
	}
}

func TestCompileBoneCycleFails(t *testing.T) {
	sc := riggedScene()
	sc.Objects[0].Armature.Bones[0].Parent = "arm"

	if _, _, err := Compile(sc, config.Default()); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected a parent cycle error; got %v", err)
	}
}

func TestCompileUnknownParentFails(t *testing.T) {
	sc := riggedScene()
	sc.Objects[0].Armature.Bones[1].Parent = "missing"

	if _, _, err := Compile(sc, config.Default()); err == nil || !strings.Contains(err.Error(), "unknown parent") {
		t.Fatalf("expected an unknown parent error; got %v", err)
	}
}

func TestCompileDuplicateBoneNamesDisableSkeleton(t *testing.T) {
	sc := riggedScene()
	rig2 := &scene.Object{
		Name:      "rig2",
		Transform: mgl32.Ident4(),
		Armature: &scene.Armature{
			Name:  "rig2",
			Bones: []*scene.Bone{{Name: "root", Rotation: mgl32.QuatIdent()}},
		},
	}
	sc.Objects = append(sc.Objects, rig2)

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "duplicate bone name") {
		t.Fatalf("expected a duplicate bone diagnostic; got %v", diags)
	}
	if len(model.Bones) != 0 || len(model.Skins) != 0 {
		t.Fatalf("expected the skeleton to be dropped; got %d bones, %d skins", len(model.Bones), len(model.Skins))
	}
	for _, v := range model.Vertices {
		if v.Skin >= 0 {
			t.Fatalf("expected every vertex to be unskinned; got skin %d", v.Skin)
		}
	}
}

func TestCompileUnknownVertexGroup(t *testing.T) {
	sc := riggedScene()
	sc.Objects[1].Mesh.Weights[1] = []scene.VertexWeight{{Bone: "tail", Weight: 1}}

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasDiag(diags, "does not match any bone") {
		t.Fatalf("expected an unknown vertex group diagnostic; got %v", diags)
	}
	if len(model.Bones) != 2 {
		t.Fatalf("expected the skeleton to survive; got %d bones", len(model.Bones))
	}
}

func TestCompileActionFrames(t *testing.T) {
	sc := riggedScene()
	sc.Objects[0].Armature.Actions = []*scene.Action{{
		Name: "wave",
		Tracks: []*scene.Track{{
			Bone: "arm",
			Keys: []scene.Key{
				// Identical to the bind pose: must not produce a frame.
				{TimeMS: 0, Position: mgl32.Vec3{0, 1, 0}, Rotation: mgl32.QuatIdent()},
				{TimeMS: 500, Position: mgl32.Vec3{0, 2, 0}, Rotation: mgl32.QuatIdent()},
			},
		}},
	}}

	model, _, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	if len(model.Actions) != 1 {
		t.Fatalf("expected 1 action; got %d", len(model.Actions))
	}
	act := model.Actions[0]
	if len(act.Frames) != 1 {
		t.Fatalf("expected the bind-pose keyframe to be elided; got %d frames", len(act.Frames))
	}
	if act.Frames[0].TimeMS != 500 {
		t.Fatalf("expected the frame at 500 ms; got %d", act.Frames[0].TimeMS)
	}
	if act.DurationMS != 500 {
		t.Fatalf("expected the duration to default to the last frame time; got %d", act.DurationMS)
	}
	if len(act.Frames[0].Poses) != 1 || act.Frames[0].Poses[0].Bone != 1 {
		t.Fatalf("expected one changed pose on bone 1; got %+v", act.Frames[0].Poses)
	}

	// The animated position was interned into the shared vertex table.
	pos := model.Vertices[act.Frames[0].Poses[0].Position]
	if pos.Skin != m3d.SkinNone {
		t.Fatalf("expected a position-like pose record; got %+v", pos)
	}
}

func TestCompileDropsStaticActions(t *testing.T) {
	sc := riggedScene()
	sc.Objects[0].Armature.Actions = []*scene.Action{{
		Name: "idle",
		Tracks: []*scene.Track{{
			Bone: "arm",
			Keys: []scene.Key{
				{TimeMS: 0, Position: mgl32.Vec3{0, 1, 0}, Rotation: mgl32.QuatIdent()},
			},
		}},
	}}

	model, diags, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(model.Actions) != 0 {
		t.Fatalf("expected the static action to be dropped; got %d actions", len(model.Actions))
	}
	if !hasDiag(diags, "never leaves the bind pose") {
		t.Fatalf("expected a static action diagnostic; got %v", diags)
	}
}

func TestCompileTogglesStripTables(t *testing.T) {
	sc := riggedScene()
	mesh := sc.Objects[1].Mesh
	for i := range mesh.Faces {
		for j := range mesh.Faces[i].Corners {
			mesh.Faces[i].Corners[j].UV = mgl32.Vec2{0.5, 0.5}
			mesh.Faces[i].Corners[j].HasUV = true
			mesh.Faces[i].Corners[j].Normal = mgl32.Vec3{0, 0, 1}
			mesh.Faces[i].Corners[j].HasNormal = true
		}
	}

	cfg := config.Default()
	cfg.UVs = false
	cfg.Normals = false
	cfg.Skeleton = false

	model, _, err := Compile(sc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(model.UVs) != 0 {
		t.Fatalf("expected no UVs; got %d", len(model.UVs))
	}
	for _, f := range model.Faces {
		if f.UVs != nil || f.Normals != nil {
			t.Fatalf("expected bare faces; got %+v", f)
		}
	}
	if len(model.Bones) != 0 || len(model.Skins) != 0 {
		t.Fatalf("expected no skeleton; got %d bones, %d skins", len(model.Bones), len(model.Skins))
	}
}

func TestCompileDoesNotAliasTheScene(t *testing.T) {
	sc := quadScene()
	model, _, err := Compile(sc, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the host scene after compilation must not reach the model.
	sc.Objects[0].Mesh.Positions[0] = mgl32.Vec3{9, 9, 9}
	if model.Vertices[0].X == 9 {
		t.Fatal("expected the compiler to work on a snapshot of the scene")
	}
}
