package m3d

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Options control the serialization of a compiled model.
type Options struct {
	// Compress the chunk stream with zlib (lossless).
	Compress bool

	// Pinned index width in bits (8, 16 or 32); zero sizes every index
	// from its table length. Tables that do not fit a pinned width make
	// the writer abort.
	IndexSize int
}

// The declared width codes of every index family, mirrored by the HEAD
// flags word.
type widths struct {
	vertex int
	str    int
	color  int
	uv     int
	bone   int
	nb     int // skin weight block width (1<<nb weights)
	skin   int
	fc     int // frame changed-bone count width
	face   int
}

func (w widths) flags(quality int) uint32 {
	return uint32(quality) |
		uint32(w.vertex)<<2 |
		uint32(w.str)<<4 |
		uint32(w.color)<<6 |
		uint32(w.uv)<<8 |
		uint32(w.bone)<<10 |
		uint32(w.nb)<<12 |
		uint32(w.skin)<<14 |
		uint32(w.fc)<<16 |
		uint32(w.face)<<20
}

// Marshal serializes the model into a complete .m3d byte stream. The whole
// stream is assembled in memory; on any error nothing has been emitted, so
// a failed export can never leave a partial file behind.
func Marshal(m *Model, opts Options) ([]byte, error) {
	if m.Quality < QualityInt8 || m.Quality > QualityDouble {
		return nil, errors.Errorf("m3d: unresolved quality code %d", m.Quality)
	}
	if len(m.Faces) == 0 {
		return nil, errors.New("m3d: refusing to write a model with no faces")
	}

	st := newStringTable(m)
	w, err := resolveWidths(m, st, opts)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writeHead(&body, m, st, w)
	writeColors(&body, m, w)
	writeUVs(&body, m, w)
	writeVertices(&body, m, w)
	writeBones(&body, m, st, w)
	writeMaterials(&body, m, st, w)
	if err = writeMesh(&body, m, st, w); err != nil {
		return nil, err
	}
	if err = writeActions(&body, m, st, w); err != nil {
		return nil, err
	}
	writeAssets(&body, m, st, w)
	body.WriteString(EndMagic)

	payload := body.Bytes()
	if opts.Compress {
		var zbuf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&zbuf, zlib.BestCompression)
		if err != nil {
			return nil, errors.Wrap(err, "m3d: initializing stream compression")
		}
		if _, err = zw.Write(payload); err != nil {
			return nil, errors.Wrap(err, "m3d: compressing stream")
		}
		if err = zw.Close(); err != nil {
			return nil, errors.Wrap(err, "m3d: compressing stream")
		}
		payload = zbuf.Bytes()
	}

	out := make([]byte, 0, len(payload)+8)
	out = append(out, FileMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)+8))
	return append(out, payload...), nil
}

// WriteFile marshals the model and commits it to path in one step. The
// destination is not touched until the full stream exists in memory.
func WriteFile(path string, m *Model, opts Options) error {
	data, err := Marshal(m, opts)
	if err != nil {
		return err
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "m3d: writing %s", path)
	}
	return nil
}

// The HEAD string table: the four fixed metadata strings followed by every
// unique referenced string, all NUL-terminated. Chunks reference strings by
// byte offset.
type stringTable struct {
	data    []byte
	offsets map[string]int64
}

func newStringTable(m *Model) *stringTable {
	st := &stringTable{offsets: make(map[string]int64)}
	st.data = appendz(st.data, SafeLine(m.Name))
	st.data = appendz(st.data, SafeLine(m.License))
	st.data = appendz(st.data, SafeLine(m.Author))
	st.data = appendz(st.data, SafeText(m.Comment))

	// Registration order mirrors collection order: bones, then
	// materials with their texture maps, then actions.
	for _, b := range m.Bones {
		st.add(b.Name)
	}
	for _, mat := range m.Materials {
		st.add(mat.Name)
		for _, p := range mat.Props {
			if KindOf(p.Type) == KindMap {
				st.add(p.Map)
			}
		}
	}
	for _, as := range m.Assets {
		st.add(as.Name)
	}
	for _, act := range m.Actions {
		st.add(act.Name)
	}
	return st
}

func (st *stringTable) add(s string) {
	s = SafeName(s)
	if _, exists := st.offsets[s]; exists {
		return
	}
	st.offsets[s] = int64(len(st.data))
	st.data = appendz(st.data, s)
}

// offset returns the byte offset of a previously registered string.
func (st *stringTable) offset(s string) int64 {
	return st.offsets[SafeName(s)]
}

func appendz(data []byte, s string) []byte {
	data = append(data, s...)
	return append(data, 0)
}

func resolveWidths(m *Model, st *stringTable, opts Options) (widths, error) {
	var w widths
	pinned := -1
	switch opts.IndexSize {
	case 0:
	case 8:
		pinned = IndexUint8
	case 16:
		pinned = IndexUint16
	case 32:
		pinned = IndexUint32
	default:
		return w, errors.Errorf("m3d: unsupported pinned index size %d bits", opts.IndexSize)
	}

	size := func(count int, table string) (int, error) {
		code := indexSize(count)
		if pinned >= 0 && code != IndexAbsent {
			code = pinned
		}
		if code != IndexAbsent && count > maxIndexCount(code) {
			return 0, errors.Errorf("m3d: %s table (%d entries) overflows %d-bit indices", table, count, 8<<uint(code))
		}
		return code, nil
	}

	var err error
	if w.vertex, err = size(len(m.Vertices), "vertex"); err != nil {
		return w, err
	}
	if w.str, err = size(len(st.data), "string"); err != nil {
		return w, err
	}
	if w.color, err = size(len(m.Colors), "color"); err != nil {
		return w, err
	}
	if w.uv, err = size(len(m.UVs), "UV"); err != nil {
		return w, err
	}
	if w.bone, err = size(len(m.Bones), "bone"); err != nil {
		return w, err
	}
	if w.skin, err = size(len(m.Skins), "skin"); err != nil {
		return w, err
	}
	if w.face, err = size(len(m.Faces), "face"); err != nil {
		return w, err
	}

	// Count widths are always auto-sized: they cap per-record counts,
	// not table lengths.
	switch {
	case m.MaxWeights < 2:
		w.nb = 0
	case m.MaxWeights == 2:
		w.nb = 1
	case m.MaxWeights <= 4:
		w.nb = 2
	default:
		w.nb = 3
	}
	w.fc = indexSize(m.MaxFramePoses())
	return w, nil
}

// putIndex writes an index at the given width code. Negative sentinels wrap
// to the top of the unsigned range; width code 3 writes nothing at all.
func putIndex(buf *bytes.Buffer, code int, idx int64) {
	switch code {
	case IndexUint8:
		buf.WriteByte(uint8(idx & 0xFF))
	case IndexUint16:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(idx&0xFFFF))
		buf.Write(tmp[:])
	case IndexUint32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(idx&0xFFFFFFFF))
		buf.Write(tmp[:])
	}
}

// putCoord writes one normalized coordinate at the model quality.
func putCoord(buf *bytes.Buffer, quality int, v float32) {
	switch quality {
	case QualityInt8:
		buf.WriteByte(byte(int8(clampI(math.RoundToEven(float64(v)*127), -127, 127))))
	case QualityInt16:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(int16(clampI(math.RoundToEven(float64(v)*32767), -32767, 32767))))
		buf.Write(tmp[:])
	case QualityDouble:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(float64(v)))
		buf.Write(tmp[:])
	default:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		buf.Write(tmp[:])
	}
}

// putUV writes one UV component; the integer qualities use the unsigned
// 0..1 lattice.
func putUV(buf *bytes.Buffer, quality int, v float32) {
	switch quality {
	case QualityInt8:
		buf.WriteByte(byte(clampI(math.RoundToEven(float64(v)*255), 0, 255)))
	case QualityInt16:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(clampI(math.RoundToEven(float64(v)*65535), 0, 65535)))
		buf.Write(tmp[:])
	case QualityDouble:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(float64(v)))
		buf.Write(tmp[:])
	default:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		buf.Write(tmp[:])
	}
}

func clampI(v float64, lo, hi int64) int64 {
	i := int64(v)
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

// chunk prepends the magic and the length-including-header prefix to a
// payload and appends it to the output stream.
func chunk(out *bytes.Buffer, magic string, payload []byte) {
	out.WriteString(magic)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(payload)+8))
	out.Write(tmp[:])
	out.Write(payload)
}

func writeHead(out *bytes.Buffer, m *Model, st *stringTable, w widths) {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(m.Scale))
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:], w.flags(m.Quality))
	buf.Write(tmp[:])
	buf.Write(st.data)
	chunk(out, ChunkHead, buf.Bytes())
}

func writeColors(out *bytes.Buffer, m *Model, w widths) {
	if w.color == IndexAbsent {
		return
	}
	var buf bytes.Buffer
	for _, c := range m.Colors {
		buf.Write([]byte{c.R, c.G, c.B, c.A})
	}
	chunk(out, ChunkColor, buf.Bytes())
}

func writeUVs(out *bytes.Buffer, m *Model, w widths) {
	if w.uv == IndexAbsent {
		return
	}
	var buf bytes.Buffer
	for _, uv := range m.UVs {
		putUV(&buf, m.Quality, uv.U)
		putUV(&buf, m.Quality, uv.V)
	}
	chunk(out, ChunkUV, buf.Bytes())
}

func writeVertices(out *bytes.Buffer, m *Model, w widths) {
	if len(m.Vertices) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, v := range m.Vertices {
		putCoord(&buf, m.Quality, v.X)
		putCoord(&buf, m.Quality, v.Y)
		putCoord(&buf, m.Quality, v.Z)
		putCoord(&buf, m.Quality, v.W)
		putIndex(&buf, w.color, int64(v.Color))
		putIndex(&buf, w.skin, int64(v.Skin))
	}
	chunk(out, ChunkVerts, buf.Bytes())
}

func writeBones(out *bytes.Buffer, m *Model, st *stringTable, w widths) {
	if len(m.Bones) == 0 && len(m.Skins) == 0 {
		return
	}
	var buf bytes.Buffer
	putIndex(&buf, w.bone, int64(len(m.Bones)))
	putIndex(&buf, w.skin, int64(len(m.Skins)))
	for _, b := range m.Bones {
		putIndex(&buf, w.bone, int64(b.Parent))
		putIndex(&buf, w.str, st.offset(b.Name))
		putIndex(&buf, w.vertex, int64(b.Position))
		putIndex(&buf, w.vertex, int64(b.Orientation))
	}
	for _, sk := range m.Skins {
		block := 1 << uint(w.nb)
		if w.nb > 0 {
			for i := 0; i < block; i++ {
				if i < len(sk.Weights) {
					buf.WriteByte(sk.Weights[i].Weight)
				} else {
					buf.WriteByte(0)
				}
			}
		}
		for i := 0; i < len(sk.Weights) && i < block; i++ {
			if sk.Weights[i].Weight != 0 {
				putIndex(&buf, w.bone, int64(sk.Weights[i].Bone))
			}
		}
	}
	chunk(out, ChunkBones, buf.Bytes())
}

func writeMaterials(out *bytes.Buffer, m *Model, st *stringTable, w widths) {
	for _, mat := range m.Materials {
		var buf bytes.Buffer
		putIndex(&buf, w.str, st.offset(mat.Name))
		for _, p := range mat.Props {
			buf.WriteByte(p.Type)
			switch KindOf(p.Type) {
			case KindColor:
				putIndex(&buf, w.color, int64(p.Color))
			case KindByte:
				buf.WriteByte(p.Byte)
			case KindMap:
				putIndex(&buf, w.str, st.offset(p.Map))
			default:
				var tmp [4]byte
				binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(p.Value))
				buf.Write(tmp[:])
			}
		}
		chunk(out, ChunkMat, buf.Bytes())
	}
}

func writeMesh(out *bytes.Buffer, m *Model, st *stringTable, w widths) error {
	var buf bytes.Buffer
	// The reader starts out with no material, matching the material-less
	// face group that leads the sorted face list; the first switch record
	// appears with the first real material.
	current := int32(-1)
	for _, f := range m.Faces {
		if f.Material != current {
			current = f.Material
			buf.WriteByte(0)
			putIndex(&buf, w.str, st.offset(m.Materials[current].Name))
		}
		if len(f.Vertices) < 3 || len(f.Vertices) > 15 {
			return errors.Errorf("m3d: face with %d corners cannot be encoded", len(f.Vertices))
		}
		header := byte(len(f.Vertices) << 4)
		if f.UVs != nil {
			header |= 1
		}
		if f.Normals != nil {
			header |= 2
		}
		buf.WriteByte(header)
		for i, vi := range f.Vertices {
			putIndex(&buf, w.vertex, int64(vi))
			if f.UVs != nil {
				putIndex(&buf, w.uv, int64(f.UVs[i]))
			}
			if f.Normals != nil {
				putIndex(&buf, w.vertex, int64(f.Normals[i]))
			}
		}
	}
	chunk(out, ChunkMesh, buf.Bytes())
	return nil
}

func writeActions(out *bytes.Buffer, m *Model, st *stringTable, w widths) error {
	for _, act := range m.Actions {
		if len(act.Frames) == 0 {
			continue
		}
		if len(act.Frames) > 65535 {
			return errors.Errorf("m3d: action %q has %d frames, limit is 65535", act.Name, len(act.Frames))
		}
		var buf bytes.Buffer
		putIndex(&buf, w.str, st.offset(act.Name))
		var tmp [4]byte
		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(act.Frames)))
		buf.Write(tmp[:2])
		binary.LittleEndian.PutUint32(tmp[:], act.DurationMS)
		buf.Write(tmp[:])
		for _, fr := range act.Frames {
			binary.LittleEndian.PutUint32(tmp[:], fr.TimeMS)
			buf.Write(tmp[:])
			putIndex(&buf, w.fc, int64(len(fr.Poses)))
			for _, p := range fr.Poses {
				putIndex(&buf, w.bone, int64(p.Bone))
				putIndex(&buf, w.vertex, int64(p.Position))
				putIndex(&buf, w.vertex, int64(p.Orientation))
			}
		}
		chunk(out, ChunkClip, buf.Bytes())
	}
	return nil
}

func writeAssets(out *bytes.Buffer, m *Model, st *stringTable, w widths) {
	for _, as := range m.Assets {
		var buf bytes.Buffer
		putIndex(&buf, w.str, st.offset(as.Name))
		buf.Write(as.Data)
		chunk(out, ChunkAsset, buf.Bytes())
	}
}
