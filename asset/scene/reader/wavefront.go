package reader

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"m3dconv/asset"
	"m3dconv/asset/scene"
	"m3dconv/asset/texture"
	"m3dconv/log"
)

// A material library entry while parsing. Wavefront colors collapse to the
// scalar principled channels the snapshot model carries.
type wavefrontMaterial struct {
	mat *scene.Material

	// Directory the defining .mtl was loaded from; texture paths resolve
	// relative to it.
	relTo *asset.Resource
}

type wavefrontSceneReader struct {
	logger log.Logger

	// The scene being assembled.
	sc *scene.Scene

	// A map of material names to parsed materials.
	matNameToIndex map[string]int
	materials      []*wavefrontMaterial

	// Currently selected material, nil before the first usemtl.
	curMaterial *wavefrontMaterial

	// Global coordinate lists; face indices reference these.
	vertexList []mgl32.Vec3
	normalList []mgl32.Vec3
	uvList     []mgl32.Vec2

	// Object under construction.
	curObject *scene.Object

	// Maps a global vertex index to its slot in the current mesh, and a
	// material to its slot in the current mesh's material list.
	vertexSlots map[int]int
	matSlots    map[*scene.Material]int

	// An error stack that provides additional error information when
	// scene files include other files (material libraries e.t.c)
	errStack []string
}

// Create a new text scene reader.
func newWavefrontReader() *wavefrontSceneReader {
	return &wavefrontSceneReader{
		logger:         log.New("wavefront scene reader"),
		sc:             &scene.Scene{},
		matNameToIndex: make(map[string]int, 0),
		errStack:       make([]string, 0),
	}
}

// Read scene definition.
func (r *wavefrontSceneReader) Read(sceneRes *asset.Resource) (*scene.Scene, error) {
	r.logger.Noticef(`parsing scene from "%s"`, sceneRes.Path())
	start := time.Now()

	err := r.parse(sceneRes)
	if err != nil {
		return nil, err
	}

	r.finishObject()
	r.logger.Noticef("parsed scene in %d ms", time.Since(start).Nanoseconds()/1e6)
	return r.sc, nil
}

// Parse wavefront object scene format.
func (r *wavefrontSceneReader) parse(res *asset.Resource) error {
	var lineNum int = 0
	var err error

	scanner := bufio.NewScanner(res)
	for scanner.Scan() {
		lineNum++
		lineTokens := strings.Fields(scanner.Text())
		if len(lineTokens) == 0 || strings.HasPrefix(lineTokens[0], "#") {
			continue
		}

		switch lineTokens[0] {
		case "mtllib":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "mtllib"; expected 1 argument; got %d`, len(lineTokens)-1)
			}

			r.pushFrame(fmt.Sprintf("referenced from %s:%d [mtllib]", res.Path(), lineNum))

			incRes, err := asset.NewResource(lineTokens[1], res)
			if err != nil {
				return r.emitError(res.Path(), lineNum, err.Error())
			}
			defer incRes.Close()

			err = r.parseMaterials(incRes)
			if err != nil {
				return err
			}
			r.popFrame()
		case "usemtl":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "usemtl"; expected 1 argument; got %d`, len(lineTokens)-1)
			}

			matName := lineTokens[1]
			matIndex, exists := r.matNameToIndex[matName]
			if !exists {
				return r.emitError(res.Path(), lineNum, `undefined material with name "%s"`, matName)
			}
			r.curMaterial = r.materials[matIndex]
		case "v":
			v, err := parseVec3(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, err.Error())
			}
			r.vertexList = append(r.vertexList, v)
		case "vn":
			v, err := parseVec3(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, err.Error())
			}
			r.normalList = append(r.normalList, v)
		case "vt":
			v, err := parseVec2(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, err.Error())
			}
			r.uvList = append(r.uvList, v)
		case "g", "o":
			if len(lineTokens) < 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "%s"; expected 1 argument for object name; got %d`, lineTokens[0], len(lineTokens)-1)
			}
			r.finishObject()
			r.startObject(lineTokens[1])
		case "f":
			err = r.parseFace(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, err.Error())
			}
		}
	}

	return nil
}

// startObject begins a fresh object with an identity placement.
func (r *wavefrontSceneReader) startObject(name string) {
	r.curObject = &scene.Object{
		Name:      name,
		Transform: mgl32.Ident4(),
		Mesh:      &scene.Mesh{Name: name},
	}
	r.vertexSlots = make(map[int]int)
	r.matSlots = make(map[*scene.Material]int)
}

// finishObject commits the object under construction, dropping it when it
// holds no polygons.
func (r *wavefrontSceneReader) finishObject() {
	if r.curObject == nil {
		return
	}
	if len(r.curObject.Mesh.Faces) == 0 {
		r.logger.Warningf(`dropping object "%s" as it contains no polygons`, r.curObject.Name)
		r.curObject = nil
		return
	}
	r.sc.Objects = append(r.sc.Objects, r.curObject)
	r.curObject = nil
}

// Parse face definition. Each vertex argument is comprised of 1, 2 or 3
// indices separated by a slash character:
// - vertexIndex
// - vertexIndex/uvIndex
// - vertexIndex//normalIndex
// - vertexIndex/uvIndex/normalIndex
//
// Indices start from 1 and may be negative to indicate an offset off the
// end of the coordinate list.
func (r *wavefrontSceneReader) parseFace(lineTokens []string) error {
	if len(lineTokens) < 4 {
		return fmt.Errorf(`unsupported syntax for "f"; expected at least 3 arguments; got %d`, len(lineTokens)-1)
	}

	if r.curObject == nil {
		r.startObject("default")
	}
	mesh := r.curObject.Mesh

	face := scene.Face{
		MaterialSlot: r.materialSlot(),
		Corners:      make([]scene.Corner, len(lineTokens)-1),
	}

	expIndices := 0
	for arg := 0; arg < len(lineTokens)-1; arg++ {
		vTokens := strings.Split(lineTokens[arg+1], "/")

		// The first arg defines the format for the following args
		if arg == 0 {
			expIndices = len(vTokens)
		} else if len(vTokens) != expIndices {
			return fmt.Errorf("expected each face argument to contain %d indices; arg %d contains %d indices", expIndices, arg, len(vTokens))
		}

		if vTokens[0] == "" {
			return fmt.Errorf("face argument %d does not include a vertex index", arg)
		}

		vOffset, err := selectFaceCoordIndex(vTokens[0], len(r.vertexList))
		if err != nil {
			return fmt.Errorf("could not parse vertex coord for face argument %d: %s", arg, err.Error())
		}
		face.Corners[arg].Vertex = r.meshVertex(mesh, vOffset)

		if expIndices > 1 && vTokens[1] != "" {
			uvOffset, err := selectFaceCoordIndex(vTokens[1], len(r.uvList))
			if err != nil {
				return fmt.Errorf("could not parse tex coord for face argument %d: %s", arg, err.Error())
			}
			face.Corners[arg].UV = r.uvList[uvOffset]
			face.Corners[arg].HasUV = true
		}

		if expIndices > 2 && vTokens[2] != "" {
			nOffset, err := selectFaceCoordIndex(vTokens[2], len(r.normalList))
			if err != nil {
				return fmt.Errorf("could not parse normal coord for face argument %d: %s", arg, err.Error())
			}
			face.Corners[arg].Normal = r.normalList[nOffset]
			face.Corners[arg].HasNormal = true
		}
	}

	mesh.Faces = append(mesh.Faces, face)
	return nil
}

// meshVertex maps a global vertex list offset to the current mesh's local
// position index.
func (r *wavefrontSceneReader) meshVertex(mesh *scene.Mesh, globalOffset int) int {
	if slot, exists := r.vertexSlots[globalOffset]; exists {
		return slot
	}
	slot := len(mesh.Positions)
	mesh.Positions = append(mesh.Positions, r.vertexList[globalOffset])
	r.vertexSlots[globalOffset] = slot
	return slot
}

// materialSlot returns the current material's slot in the current mesh,
// -1 when no material is selected.
func (r *wavefrontSceneReader) materialSlot() int {
	if r.curMaterial == nil {
		return -1
	}
	mesh := r.curObject.Mesh
	if slot, exists := r.matSlots[r.curMaterial.mat]; exists {
		return slot
	}
	slot := len(mesh.Materials)
	mesh.Materials = append(mesh.Materials, r.curMaterial.mat)
	r.matSlots[r.curMaterial.mat] = slot
	return slot
}

// Parse a wavefront material library.
func (r *wavefrontSceneReader) parseMaterials(res *asset.Resource) error {
	var lineNum int = 0
	var err error

	r.logger.Infof(`parsing material library "%s"`, res.Path())

	scanner := bufio.NewScanner(res)

	var curMaterial *wavefrontMaterial = nil

	for scanner.Scan() {
		lineNum++
		lineTokens := strings.Fields(scanner.Text())
		if len(lineTokens) == 0 || strings.HasPrefix(lineTokens[0], "#") {
			continue
		}

		switch lineTokens[0] {
		case "newmtl":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "newmtl"; expected 1 argument; got %d`, len(lineTokens)-1)
			}

			matName := lineTokens[1]
			if _, exists := r.matNameToIndex[matName]; exists {
				return r.emitError(res.Path(), lineNum, `material "%s" already defined`, matName)
			}

			curMaterial = &wavefrontMaterial{
				mat:   &scene.Material{Name: matName},
				relTo: res,
			}
			r.materials = append(r.materials, curMaterial)
			r.matNameToIndex[matName] = len(r.materials) - 1
		default:
			if curMaterial == nil {
				return r.emitError(res.Path(), lineNum, `got "%s" without a "newmtl"`, lineTokens[0])
			}
			mat := curMaterial.mat

			switch lineTokens[0] {
			case "Kd":
				var v mgl32.Vec3
				v, err = parseVec3(lineTokens)
				mat.BaseColor = v.Vec4(1)
				mat.HasBaseColor = true
			case "Ks":
				var v mgl32.Vec3
				v, err = parseVec3(lineTokens)
				mat.Specular = maxComponent(v)
			case "Tf":
				var v mgl32.Vec3
				v, err = parseVec3(lineTokens)
				mat.Transmission = maxComponent(v)
			case "d":
				mat.Alpha, err = parseFloat32(lineTokens)
			case "Ni":
				mat.IOR, err = parseFloat32(lineTokens)
			case "Pr":
				mat.Roughness, err = parseFloat32(lineTokens)
			case "Pm":
				mat.Metallic, err = parseFloat32(lineTokens)
			case "map_Kd":
				mat.BaseColorTex = r.imageRef(lineTokens, res)
			case "map_Tf":
				mat.TransmissionTex = r.imageRef(lineTokens, res)
			case "map_d", "map_D":
				mat.AlphaTex = r.imageRef(lineTokens, res)
			case "map_Pr":
				mat.RoughnessTex = r.imageRef(lineTokens, res)
			case "map_Pm":
				mat.MetallicTex = r.imageRef(lineTokens, res)
			case "map_bump", "map_Km", "norm", "map_normal":
				mat.NormalTex = r.imageRef(lineTokens, res)
			}

			if err != nil {
				return r.emitError(res.Path(), lineNum, err.Error())
			}
		}
	}

	return nil
}

// imageRef builds a filesystem-backed image reference for a map statement,
// resolving the path relative to the material library location.
func (r *wavefrontSceneReader) imageRef(lineTokens []string, relTo *asset.Resource) *scene.ImageRef {
	if len(lineTokens) < 2 {
		return nil
	}
	// Options to map_* statements are not supported; the path is the last
	// token.
	path := lineTokens[len(lineTokens)-1]

	ref := &scene.ImageRef{
		Name:   path,
		Format: texture.FormatFromExt(filepath.Ext(path)),
		Path:   resolvePath(path, relTo),
	}
	return ref
}

// resolvePath mirrors the relative-path handling of NewResource without
// opening the stream.
func resolvePath(path string, relTo *asset.Resource) string {
	if relTo == nil || strings.Contains(path, "://") {
		return path
	}
	base := relTo.Path()
	if idx := strings.LastIndexAny(base, `/\`); idx != -1 {
		return base[:idx+1] + path
	}
	return path
}

// Generate an error message that also includes any data in the error stack.
func (r *wavefrontSceneReader) emitError(file string, line int, msgFormat string, args ...interface{}) error {
	msg := fmt.Sprintf(msgFormat, args...)

	var errMsg string
	if file != "" {
		errMsg = strings.Trim(
			fmt.Sprintf("[%s: %d] error: %s\n%s", file, line, msg, strings.Join(r.errStack, "\n")),
			"\n",
		)
	} else {
		errMsg = strings.Trim(
			fmt.Sprintf("error: %s\n%s", msg, strings.Join(r.errStack, "\n")),
			"\n",
		)
	}

	return fmt.Errorf("%s", errMsg)
}

// Push a frame to the error stack.
func (r *wavefrontSceneReader) pushFrame(msg string) {
	r.errStack = append([]string{msg}, r.errStack...)
}

// Pop a frame from the error stack.
func (r *wavefrontSceneReader) popFrame() {
	r.errStack = r.errStack[1:]
}

// Given an index for a face coord type (vertex, normal, tex) calculate the
// proper offset into the coord list. Wavefront format can also use negative
// indices to reference elements from the end of the coord list.
func selectFaceCoordIndex(indexToken string, coordListLen int) (int, error) {
	index, err := strconv.ParseInt(indexToken, 10, 32)
	if err != nil {
		return -1, err
	}

	var vOffset int = 0
	if index < 0 {
		vOffset = coordListLen + int(index)
	} else {
		vOffset = int(index - 1)
	}
	if vOffset < 0 || vOffset >= coordListLen {
		return -1, fmt.Errorf("index out of bounds")
	}
	return vOffset, nil
}

func maxComponent(v mgl32.Vec3) float32 {
	max := v.X()
	if v.Y() > max {
		max = v.Y()
	}
	if v.Z() > max {
		max = v.Z()
	}
	return max
}

// Parse a float scalar value.
func parseFloat32(lineTokens []string) (float32, error) {
	if len(lineTokens) < 2 {
		return 0, fmt.Errorf(`unsupported syntax for "%s"; expected 1 argument; got %d`, lineTokens[0], len(lineTokens)-1)
	}

	val, err := strconv.ParseFloat(lineTokens[1], 32)
	if err != nil {
		return 0, err
	}

	return float32(val), nil
}

// Parse a Vec3 row.
func parseVec3(lineTokens []string) (mgl32.Vec3, error) {
	if len(lineTokens) < 4 {
		return mgl32.Vec3{}, fmt.Errorf(`unsupported syntax for "%s"; expected 3 arguments; got %d`, lineTokens[0], len(lineTokens)-1)
	}

	v := mgl32.Vec3{}
	for tokIdx := 1; tokIdx <= 3; tokIdx++ {
		coord, err := strconv.ParseFloat(lineTokens[tokIdx], 32)
		if err != nil {
			return v, err
		}
		v[tokIdx-1] = float32(coord)
	}
	return v, nil
}

// Parse a Vec2 row.
func parseVec2(lineTokens []string) (mgl32.Vec2, error) {
	if len(lineTokens) < 3 {
		return mgl32.Vec2{}, fmt.Errorf(`unsupported syntax for "%s"; expected 2 arguments; got %d`, lineTokens[0], len(lineTokens)-1)
	}

	v := mgl32.Vec2{}
	for tokIdx := 1; tokIdx <= 2; tokIdx++ {
		coord, err := strconv.ParseFloat(lineTokens[tokIdx], 32)
		if err != nil {
			return v, err
		}
		v[tokIdx-1] = float32(coord)
	}
	return v, nil
}
