package compiler

import (
	"time"

	"m3dconv/asset/compiler/quantize"
	"m3dconv/asset/m3d"
	"m3dconv/config"
)

// Scenes below this face count default to 8-bit coordinates; everything
// larger gets 16 bits.
const autoQualityFaceLimit = 1024

// quantizeGeometry resolves the coordinate quality, snaps the raw vertex
// and UV tables onto the lattice, merges entries that land on the same
// point and remaps the face indices.
func (mc *modelCompiler) quantizeGeometry() error {
	start := time.Now()
	mc.logger.Notice("quantizing geometry")

	quality := mc.cfg.Quality
	if quality == config.QualityAuto {
		quality = m3d.QualityInt16
		if len(mc.rawFaces) < autoQualityFaceLimit {
			quality = m3d.QualityInt8
		}
		mc.logger.Infof("auto-selected %d-bit coordinates for %d faces", 8<<uint(quality), len(mc.rawFaces))
	}
	if !mc.cfg.GridCompress && quality < m3d.QualityFloat {
		mc.diagf("quantize", "integer coordinates require grid compression; using float coordinates")
		quality = m3d.QualityFloat
	}
	if mc.cfg.AllowOutOfRangeUVs && quality < m3d.QualityFloat {
		mc.diagf("quantize", "out-of-range UVs cannot use the integer lattice; using float coordinates")
		quality = m3d.QualityFloat
	}
	mc.model.Quality = quality

	// Clamping writes into a copy; the collect stage's table and its dedup
	// index stay as built.
	uvs := mc.rawUVs
	if !mc.cfg.AllowOutOfRangeUVs {
		clamped := 0
		for i, uv := range uvs {
			c := m3d.UV{U: clamp01(uv.U), V: clamp01(uv.V)}
			if c == uv {
				continue
			}
			if clamped == 0 {
				uvs = append([]m3d.UV(nil), uvs...)
			}
			uvs[i] = c
			clamped++
		}
		if clamped > 0 {
			mc.diagf("quantize", "clamped %d texture coordinates to the 0..1 range", clamped)
		}
	}

	// The grid-compression scale is the symmetric bounding extent over all
	// position-like records, bind and animation poses included.
	var scale float32 = 1
	if mc.cfg.GridCompress {
		scale = quantize.MaxAbs(mc.rawVerts)
		if scale == 0 {
			scale = 1
		}
		mc.logger.Infof("grid compression scale %g", scale)
	}
	mc.grid = quantize.NewGrid(scale, quality)

	mc.model.Scale = mc.cfg.Scale
	if mc.model.Scale <= 0 {
		mc.model.Scale = scale
	}

	mc.verts, mc.vertRemap = quantize.BuildVertices(mc.rawVerts, mc.grid)

	var uvRemap []int
	mc.model.UVs, uvRemap = quantize.BuildUVs(uvs, quantize.NewUVGrid(quality))
	mc.uvRemap = uvRemap

	mc.quantFaces = make([]m3d.Face, len(mc.rawFaces))
	for i, rf := range mc.rawFaces {
		face := m3d.Face{
			Material: int32(rf.material),
			Vertices: make([]uint32, len(rf.verts)),
		}
		for j, v := range rf.verts {
			face.Vertices[j] = uint32(mc.vertRemap[v])
		}
		if rf.uvs != nil {
			face.UVs = make([]uint32, len(rf.uvs))
			for j, v := range rf.uvs {
				face.UVs[j] = uint32(mc.uvRemap[v])
			}
		}
		if rf.normals != nil {
			face.Normals = make([]uint32, len(rf.normals))
			for j, v := range rf.normals {
				face.Normals[j] = uint32(mc.vertRemap[v])
			}
		}
		mc.quantFaces[i] = face
	}

	mc.logger.Noticef("merged %d vertex records to %d and %d UVs to %d in %d ms",
		len(mc.rawVerts), len(mc.verts.Entries), len(mc.rawUVs), len(mc.model.UVs),
		time.Since(start).Nanoseconds()/1e6)
	return nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
