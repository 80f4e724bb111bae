package compiler

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"m3dconv/asset/m3d"
	"m3dconv/asset/scene"
)

// Polygons with more corners than this are fan-triangulated; the face
// header only has four bits for the corner count.
const maxFaceCorners = 15

// Skin groups hold at most this many influences per vertex.
const maxSkinInfluences = 8

// collectScene walks the snapshot and fills the raw tables: world-space
// vertex records, UVs, colors, skins, faces, bones and actions. Everything
// downstream operates on these tables only.
func (mc *modelCompiler) collectScene() error {
	start := time.Now()
	mc.logger.Noticef("collecting scene data (%d objects)", len(mc.sc.Objects))

	// Armatures first so mesh skins can validate their bone references.
	if mc.cfg.Skeleton {
		for _, ob := range mc.sc.Objects {
			if ob.Armature != nil {
				mc.collectArmature(ob)
			}
		}
	}

	for _, ob := range mc.sc.Objects {
		if ob.Mesh != nil {
			mc.collectMesh(ob)
		}
	}

	if len(mc.rawFaces) == 0 {
		return errors.New("compiler: scene contains no exportable faces")
	}

	// Group faces by material so the mesh chunk emits each material switch
	// once. The sort is stable, faces of one material keep scene order.
	sort.SliceStable(mc.rawFaces, func(i, j int) bool {
		return mc.rawFaces[i].material < mc.rawFaces[j].material
	})

	mc.logger.Noticef("collected %d faces, %d vertex records, %d bones in %d ms",
		len(mc.rawFaces), len(mc.rawVerts), len(mc.bones), time.Since(start).Nanoseconds()/1e6)
	return nil
}

// collectArmature registers the bones of one armature with their bind
// poses interned into the raw vertex table, and queues its actions.
func (mc *modelCompiler) collectArmature(ob *scene.Object) {
	if !mc.skeletonOK {
		return
	}

	for _, bone := range ob.Armature.Bones {
		if _, exists := mc.boneIndex[bone.Name]; exists {
			mc.diagf("collect", "duplicate bone name %q; skipping skeleton export", bone.Name)
			mc.skeletonOK = false
			mc.bones = nil
			mc.boneIndex = make(map[string]int)
			mc.actions = nil
			return
		}

		pos, rot := bone.Position, bone.Rotation
		if bone.Parent == "" {
			// Root bind poses are model space and pick up the object
			// placement; child poses are parent-relative already.
			pos, rot = bakePose(ob.Transform, pos, rot)
		}

		mc.boneIndex[bone.Name] = len(mc.bones)
		mc.bones = append(mc.bones, rawBone{
			name:   bone.Name,
			parent: bone.Parent,
			pos:    mc.addRawVert(positionRecord(pos, 0, m3d.SkinNone)),
			ori:    mc.addRawVert(orientationRecord(rot)),
		})
	}

	if mc.cfg.Animation {
		mc.actions = append(mc.actions, ob.Armature.Actions...)

		// Pose keys enter the raw vertex table now so the grid-compression
		// scale covers animated positions, not just the bind pose.
		for _, act := range ob.Armature.Actions {
			for _, track := range act.Tracks {
				for _, key := range track.Keys {
					mc.addRawVert(positionRecord(key.Position, 0, m3d.SkinNone))
					mc.addRawVert(orientationRecord(key.Rotation))
				}
			}
		}
	}
}

// collectMesh bakes one object's mesh into world space and emits its faces
// into the raw tables.
func (mc *modelCompiler) collectMesh(ob *scene.Object) {
	mesh := ob.Mesh
	mc.logger.Infof("collecting mesh %q (%d faces)", mesh.Name, len(mesh.Faces))

	// A mirroring transform flips the winding; corners are emitted in
	// reverse order to keep front faces front.
	flipWinding := ob.Transform.Det() < 0
	normalMat := ob.Transform.Inv().Transpose().Mat3()

	// Bake positions and resolve skins once per mesh vertex.
	positions := make([]mgl32.Vec3, len(mesh.Positions))
	skins := make([]int32, len(mesh.Positions))
	for i, p := range mesh.Positions {
		positions[i] = mgl32.TransformCoordinate(p, ob.Transform)
		skins[i] = int32(m3d.SkinNone)
		if mc.skeletonOK && len(mc.bones) > 0 && i < len(mesh.Weights) {
			skins[i] = mc.internSkin(mesh.Name, mesh.Weights[i])
		}
	}

	var (
		badSlots  = make(map[int]bool)
		usedSlots = make(map[int]bool)
		dropped   = 0
		split     = 0
		emitted   = 0
	)

	for _, face := range mesh.Faces {
		if len(face.Corners) < 3 {
			dropped++
			continue
		}

		matID := -1
		if mc.cfg.Materials && face.MaterialSlot >= 0 {
			slot := face.MaterialSlot
			if slot >= len(mesh.Materials) || mesh.Materials[slot] == nil {
				if !badSlots[slot] {
					badSlots[slot] = true
					mc.diagf("collect", "mesh %q references undefined material slot %d; using the first slot", mesh.Name, slot)
				}
				// Undefined slots fall back to the mesh's first material;
				// faces stay unassigned only when the mesh has none at all.
				slot = 0
			}
			if slot < len(mesh.Materials) && mesh.Materials[slot] != nil {
				matID = mc.internMaterial(mesh.Materials[slot])
				usedSlots[slot] = true
			}
		}

		corners := face.Corners
		if flipWinding {
			corners = reverseCorners(corners)
		}

		valid := true
		for _, c := range corners {
			if c.Vertex < 0 || c.Vertex >= len(positions) {
				valid = false
				break
			}
		}
		if !valid {
			dropped++
			continue
		}

		if len(corners) > maxFaceCorners {
			split++
			for i := 1; i < len(corners)-1; i++ {
				mc.emitFace(matID, positions, skins, normalMat, []scene.Corner{corners[0], corners[i], corners[i+1]})
				emitted++
			}
			continue
		}

		mc.emitFace(matID, positions, skins, normalMat, corners)
		emitted++
	}

	if dropped > 0 {
		mc.diagf("collect", "mesh %q: dropped %d degenerate faces", mesh.Name, dropped)
	}
	if split > 0 {
		mc.diagf("collect", "mesh %q: fan-triangulated %d faces with more than %d corners", mesh.Name, split, maxFaceCorners)
	}
	if emitted == 0 {
		mc.diagf("collect", "mesh %q has no exportable faces", mesh.Name)
	}
	if mc.cfg.Materials {
		for slot, mat := range mesh.Materials {
			if mat != nil && !usedSlots[slot] && !badSlots[slot] {
				mc.diagf("collect", "mesh %q: material %q is not referenced by any face", mesh.Name, mat.Name)
			}
		}
	}
}

// emitFace interns the per-corner data of one polygon and appends the raw
// face. UVs and normals are kept only when every corner carries them, the
// face header cannot express partial attribute coverage.
func (mc *modelCompiler) emitFace(matID int, positions []mgl32.Vec3, skins []int32, normalMat mgl32.Mat3, corners []scene.Corner) {
	face := rawFace{
		material: matID,
		verts:    make([]int, len(corners)),
	}

	hasUVs := mc.cfg.UVs
	hasNormals := mc.cfg.Normals
	for _, c := range corners {
		hasUVs = hasUVs && c.HasUV
		hasNormals = hasNormals && c.HasNormal
	}
	if hasUVs {
		face.uvs = make([]int, len(corners))
	}
	if hasNormals {
		face.normals = make([]int, len(corners))
	}

	for i, c := range corners {
		colorID := int32(0)
		if mc.cfg.Colors && c.HasColor {
			colorID = int32(mc.colors.intern(c.Color))
		}

		pos := positions[c.Vertex]
		face.verts[i] = mc.addRawVert(m3d.Vertex{
			X: pos.X(), Y: pos.Y(), Z: pos.Z(), W: 1,
			Color: colorID,
			Skin:  skins[c.Vertex],
		})

		if hasUVs {
			face.uvs[i] = mc.addRawUV(m3d.UV{U: c.UV.X(), V: c.UV.Y()})
		}
		if hasNormals {
			n := normalMat.Mul3x1(c.Normal)
			if n.Len() > 0 {
				n = n.Normalize()
			}
			face.normals[i] = mc.addRawVert(positionRecord(n, 0, m3d.SkinNone))
		}
	}

	mc.rawFaces = append(mc.rawFaces, face)
}

// internSkin normalizes one vertex's bone weights to a 255 total and
// returns the index of the deduplicated skin group, SkinNone for
// unskinned vertices.
func (mc *modelCompiler) internSkin(meshName string, weights []scene.VertexWeight) int32 {
	valid := make([]scene.VertexWeight, 0, len(weights))
	for _, w := range weights {
		if w.Weight <= 0 {
			continue
		}
		if _, exists := mc.boneIndex[w.Bone]; !exists {
			mc.diagOnce("collect", fmt.Sprintf("mesh %q: vertex group %q does not match any bone; weight ignored", meshName, w.Bone))
			continue
		}
		valid = append(valid, w)
	}
	if len(valid) == 0 {
		return int32(m3d.SkinNone)
	}

	if len(valid) > maxSkinInfluences {
		sort.SliceStable(valid, func(i, j int) bool { return valid[i].Weight > valid[j].Weight })
		valid = valid[:maxSkinInfluences]
		mc.diagOnce("collect", fmt.Sprintf("mesh %q: vertices with more than %d bone influences; keeping the heaviest", meshName, maxSkinInfluences))
	}

	var total float32
	for _, w := range valid {
		total += w.Weight
	}

	// Integer weights sum to exactly 255; rounding drift lands on the
	// heaviest influence.
	skin := rawSkin{weights: make([]rawWeight, len(valid))}
	sum, heaviest := 0, 0
	for i, w := range valid {
		b := int(w.Weight/total*255 + 0.5)
		if b < 1 {
			b = 1
		} else if b > 255 {
			b = 255
		}
		skin.weights[i] = rawWeight{bone: w.Bone, weight: uint8(b)}
		sum += b
		if skin.weights[i].weight > skin.weights[heaviest].weight {
			heaviest = i
		}
	}
	if sum != 255 {
		adj := int(skin.weights[heaviest].weight) + 255 - sum
		if adj < 1 {
			adj = 1
		} else if adj > 255 {
			adj = 255
		}
		skin.weights[heaviest].weight = uint8(adj)
	}

	key := skinKey(skin)
	if idx, exists := mc.skinIndex[key]; exists {
		return int32(idx)
	}
	idx := len(mc.rawSkins)
	mc.rawSkins = append(mc.rawSkins, skin)
	mc.skinIndex[key] = idx
	return int32(idx)
}

func skinKey(s rawSkin) string {
	key := ""
	for _, w := range s.weights {
		key += fmt.Sprintf("%s\x00%d\x00", w.bone, w.weight)
	}
	return key
}

// internMaterial records a referenced material in first-use order. The
// material stage deduplicates by property tuple later; this only tracks
// identity so face records can point somewhere stable.
func (mc *modelCompiler) internMaterial(mat *scene.Material) int {
	if idx, exists := mc.matIndex[mat]; exists {
		return idx
	}
	idx := len(mc.materials)
	mc.materials = append(mc.materials, mat)
	mc.matIndex[mat] = idx
	return idx
}

// addRawVert deduplicates exactly equal records. Lattice merging happens
// in the quantize stage; this keeps the raw table from exploding on
// indexed meshes where corners share vertices.
func (mc *modelCompiler) addRawVert(v m3d.Vertex) int {
	if idx, exists := mc.rawVertIndex[v]; exists {
		return idx
	}
	idx := len(mc.rawVerts)
	mc.rawVerts = append(mc.rawVerts, v)
	mc.rawVertIndex[v] = idx
	return idx
}

func (mc *modelCompiler) addRawUV(uv m3d.UV) int {
	if idx, exists := mc.rawUVIndex[uv]; exists {
		return idx
	}
	idx := len(mc.rawUVs)
	mc.rawUVs = append(mc.rawUVs, uv)
	mc.rawUVIndex[uv] = idx
	return idx
}

// diagOnce suppresses repeats of per-vertex diagnostics that would
// otherwise flood the report.
func (mc *modelCompiler) diagOnce(stage, msg string) {
	for _, d := range mc.diags {
		if d.Stage == stage && d.Message == msg {
			return
		}
	}
	mc.diagf(stage, "%s", msg)
}

func positionRecord(p mgl32.Vec3, color int32, skin int32) m3d.Vertex {
	return m3d.Vertex{X: p.X(), Y: p.Y(), Z: p.Z(), W: 1, Color: color, Skin: skin}
}

func orientationRecord(q mgl32.Quat) m3d.Vertex {
	return m3d.Vertex{X: q.X(), Y: q.Y(), Z: q.Z(), W: q.W, Color: 0, Skin: m3d.SkinOrientation}
}

// bakePose applies a rigid object transform to a bone pose.
func bakePose(transform mgl32.Mat4, pos mgl32.Vec3, rot mgl32.Quat) (mgl32.Vec3, mgl32.Quat) {
	m := transform.Mul4(mgl32.Translate3D(pos.X(), pos.Y(), pos.Z()).Mul4(rot.Mat4()))
	return m.Col(3).Vec3(), mgl32.Mat4ToQuat(m).Normalize()
}

func reverseCorners(corners []scene.Corner) []scene.Corner {
	out := make([]scene.Corner, len(corners))
	for i, c := range corners {
		out[len(corners)-1-i] = c
	}
	return out
}
