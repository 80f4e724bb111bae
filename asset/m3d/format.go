package m3d

// Chunk magics in the order they appear in the file. Chunks reference each
// other by integer index only, never by byte offset, so the order is fixed
// and forward-only.
const (
	FileMagic  = "3DMO"
	ChunkHead  = "HEAD"
	ChunkColor = "CMAP"
	ChunkUV    = "TMAP"
	ChunkVerts = "VRTS"
	ChunkBones = "BONE"
	ChunkMat   = "MTRL"
	ChunkMesh  = "MESH"
	ChunkClip  = "ACTN"
	ChunkAsset = "ASET"
	EndMagic   = "OMD3"
)

// Coordinate quality codes stored in bits 0-1 of the HEAD flags.
const (
	QualityInt8   = 0 // coordinates as v*127 int8
	QualityInt16  = 1 // coordinates as v*32767 int16
	QualityFloat  = 2 // float32
	QualityDouble = 3 // float64
)

// Skin index sentinels carried by vertex records. Orientation records hold
// quaternions and are exempt from grid-compression scaling.
const (
	SkinNone        = -1
	SkinOrientation = -2
)

// Material property types. The low range holds color and scalar
// properties, types >= 128 reference a texture by name.
const (
	PropDiffuseColor     uint8 = 0
	PropSpecular         uint8 = 2
	PropTransmission     uint8 = 5
	PropAlpha            uint8 = 7
	PropIllumination     uint8 = 8
	PropRoughness        uint8 = 64
	PropMetallic         uint8 = 65
	PropIOR              uint8 = 67
	PropBaseColorMap     uint8 = 128
	PropTransmissionMap  uint8 = 133
	PropNormalMap        uint8 = 134
	PropAlphaMap         uint8 = 135
	PropRoughnessMap     uint8 = 192
	PropMetallicMap      uint8 = 193
	PropIORMap           uint8 = 195
)

// Property value kinds, derived from the property type.
type PropKind int

const (
	KindColor PropKind = iota
	KindFloat
	KindByte
	KindMap
)

// KindOf returns the value encoding for a property type.
func KindOf(propType uint8) PropKind {
	if propType >= 128 {
		return KindMap
	}
	switch propType {
	case PropDiffuseColor, 1, PropSpecular, 3, 4, PropTransmission:
		return KindColor
	case PropIllumination:
		return KindByte
	}
	return KindFloat
}

// Index size codes stored in the HEAD flags. Code 3 marks an absent table:
// indices into it are simply not written.
const (
	IndexUint8  = 0
	IndexUint16 = 1
	IndexUint32 = 2
	IndexAbsent = 3
)

// indexSize picks the smallest width that can address count entries. The
// top two values of every width are reserved for the -1/-2 sentinels,
// hence the 254/65534 ceilings.
func indexSize(count int) int {
	switch {
	case count == 0:
		return IndexAbsent
	case count < 254:
		return IndexUint8
	case count < 65534:
		return IndexUint16
	}
	return IndexUint32
}

// maxIndexCount is the largest table length addressable at a width code.
func maxIndexCount(code int) int {
	switch code {
	case IndexUint8:
		return 253
	case IndexUint16:
		return 65533
	}
	return 1<<32 - 2
}
