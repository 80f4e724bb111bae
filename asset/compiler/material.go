package compiler

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"m3dconv/asset"
	"m3dconv/asset/m3d"
	"m3dconv/asset/scene"
	"m3dconv/asset/texture"
)

// packMaterials builds the material table from the collected references,
// deduplicates materials whose property tuples are identical and resolves
// texture payloads when embedding is on. Faces get their final material
// indices here and are regrouped afterwards.
func (mc *modelCompiler) packMaterials() error {
	start := time.Now()
	mc.logger.Noticef("packing %d materials", len(mc.materials))

	matRemap := make([]int32, len(mc.materials))
	if mc.cfg.Materials {
		tupleIndex := make(map[string]int32)
		texByPayload := make(map[[sha256.Size]byte]string)
		usedTexNames := make(map[string]bool)

		for i, mat := range mc.materials {
			props := mc.buildProps(mat, texByPayload, usedTexNames)
			if len(props) == 0 {
				mc.logger.Infof("material %q has no exportable properties", mat.Name)
				matRemap[i] = -1
				continue
			}

			key := propsKey(props)
			if id, exists := tupleIndex[key]; exists {
				mc.logger.Infof("material %q merged with %q", mat.Name, mc.model.Materials[id].Name)
				matRemap[i] = id
				continue
			}

			id := int32(len(mc.model.Materials))
			mc.model.Materials = append(mc.model.Materials, m3d.Material{
				Name:  m3d.SafeName(mat.Name),
				Props: props,
			})
			tupleIndex[key] = id
			matRemap[i] = id
		}
	}

	mc.model.Faces = make([]m3d.Face, len(mc.quantFaces))
	for i, face := range mc.quantFaces {
		if face.Material >= 0 && mc.cfg.Materials {
			face.Material = matRemap[face.Material]
		} else {
			face.Material = -1
		}
		mc.model.Faces[i] = face
	}

	// Merging can interleave what the collect stage grouped; regroup so
	// the mesh chunk switches each material exactly once.
	sort.SliceStable(mc.model.Faces, func(i, j int) bool {
		return mc.model.Faces[i].Material < mc.model.Faces[j].Material
	})

	mc.logger.Noticef("packed %d unique materials, %d inlined textures in %d ms",
		len(mc.model.Materials), len(mc.model.Assets), time.Since(start).Nanoseconds()/1e6)
	return nil
}

// buildProps converts one host material to its ordered property tuple.
// Zero-valued scalars mean "unset" and produce no property.
func (mc *modelCompiler) buildProps(mat *scene.Material, texByPayload map[[sha256.Size]byte]string, usedTexNames map[string]bool) []m3d.Property {
	props := make([]m3d.Property, 0, 8)

	alpha := mat.Alpha
	if alpha == 0 {
		alpha = 1
	}

	if mat.HasBaseColor {
		props = append(props, m3d.Property{
			Type:  m3d.PropDiffuseColor,
			Color: uint32(mc.colors.intern(mat.BaseColor)),
		})
	}
	if mat.Specular != 0 {
		props = append(props, m3d.Property{
			Type:  m3d.PropSpecular,
			Color: uint32(mc.colors.intern(grayColor(mat.Specular))),
		})
	}
	if mat.Transmission != 0 {
		props = append(props, m3d.Property{
			Type:  m3d.PropTransmission,
			Color: uint32(mc.colors.intern(grayColor(mat.Transmission))),
		})
	}
	if alpha < 1 {
		props = append(props, m3d.Property{Type: m3d.PropAlpha, Value: alpha})
	}
	if il := illumination(mat, alpha); il != 0 {
		props = append(props, m3d.Property{Type: m3d.PropIllumination, Byte: il})
	}
	if mat.Roughness != 0 {
		props = append(props, m3d.Property{Type: m3d.PropRoughness, Value: mat.Roughness})
	}
	if mat.Metallic != 0 {
		props = append(props, m3d.Property{Type: m3d.PropMetallic, Value: mat.Metallic})
	}
	if mat.IOR != 0 {
		props = append(props, m3d.Property{Type: m3d.PropIOR, Value: mat.IOR})
	}

	maps := []struct {
		propType uint8
		ref      *scene.ImageRef
	}{
		{m3d.PropBaseColorMap, mat.BaseColorTex},
		{m3d.PropTransmissionMap, mat.TransmissionTex},
		{m3d.PropNormalMap, mat.NormalTex},
		{m3d.PropAlphaMap, mat.AlphaTex},
		{m3d.PropRoughnessMap, mat.RoughnessTex},
		{m3d.PropMetallicMap, mat.MetallicTex},
	}
	for _, m := range maps {
		if m.ref == nil {
			continue
		}
		name, ok := mc.packTexture(mat.Name, m.ref, texByPayload, usedTexNames)
		if !ok {
			continue
		}
		props = append(props, m3d.Property{Type: m.propType, Map: name})
	}

	return props
}

// packTexture returns the texture name a map property should reference.
// With embedding on it also resolves the payload to PNG, deduplicates it
// against already inlined textures and appends the asset. A payload that
// cannot be resolved downgrades the material to untextured.
func (mc *modelCompiler) packTexture(matName string, ref *scene.ImageRef, texByPayload map[[sha256.Size]byte]string, usedTexNames map[string]bool) (string, bool) {
	name := texName(ref)
	if name == "" {
		mc.diagf("materials", "material %q references an unnamed texture; skipping", matName)
		return "", false
	}

	if !mc.cfg.EmbedTextures {
		return name, true
	}

	payload, err := resolveTexture(ref)
	if err != nil {
		mc.diagf("materials", "material %q: texture %q: %v; exporting without it", matName, name, err)
		return "", false
	}

	digest := sha256.Sum256(payload)
	if existing, exists := texByPayload[digest]; exists {
		mc.logger.Infof("material %q: re-using inlined texture %q", matName, existing)
		return existing, true
	}

	for i := 2; usedTexNames[name]; i++ {
		name = fmt.Sprintf("%s_%d", texName(ref), i)
	}
	usedTexNames[name] = true
	texByPayload[digest] = name

	mc.model.Assets = append(mc.model.Assets, m3d.Asset{Name: name, Data: payload})
	mc.logger.Infof("material %q: inlined texture %q (%d bytes)", matName, name, len(payload))
	return name, true
}

// resolveTexture produces the PNG payload for an image reference, trying
// the packed bytes, then the raw pixel buffer, then the filesystem.
func resolveTexture(ref *scene.ImageRef) ([]byte, error) {
	switch {
	case len(ref.Data) > 0:
		return texture.ToPNG(ref.Data, ref.Format)
	case len(ref.Pixels) > 0:
		img, err := texture.FromPixels(ref.Width, ref.Height, ref.Pixels)
		if err != nil {
			return nil, err
		}
		return texture.EncodePNG(img)
	case ref.Path != "":
		res, err := asset.NewResource(ref.Path, nil)
		if err != nil {
			return nil, err
		}
		data, err := res.ReadAll()
		if err != nil {
			return nil, err
		}
		return texture.ToPNG(data, texture.FormatFromExt(filepath.Ext(ref.Path)))
	}
	return nil, errors.New("image reference carries no payload, pixels or path")
}

// illumination derives the legacy illumination model byte from the
// principled properties.
func illumination(mat *scene.Material, alpha float32) uint8 {
	switch {
	case mat.Specular == 0:
		return 1
	case mat.Metallic != 0:
		if alpha < 1 {
			return 6
		}
		return 3
	case alpha < 1:
		return 9
	}
	return 2
}

// texName is the extensionless, sanitized name map properties and inlined
// assets share.
func texName(ref *scene.ImageRef) string {
	name := ref.Name
	if name == "" {
		name = filepath.Base(ref.Path)
	}
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return m3d.SafeName(name)
}

func grayColor(v float32) mgl32.Vec4 {
	return mgl32.Vec4{v, v, v, 1}
}

// propsKey is the name-independent dedup key of a material.
func propsKey(props []m3d.Property) string {
	var b strings.Builder
	for _, p := range props {
		fmt.Fprintf(&b, "%d/%d/%x/%d/%s;", p.Type, p.Color, p.Value, p.Byte, p.Map)
	}
	return b.String()
}
