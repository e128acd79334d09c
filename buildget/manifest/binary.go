package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
)

const (
	// BinaryVersionCumulative stores only part sizes; output offsets are running sums.
	BinaryVersionCumulative uint32 = 1
	// BinaryVersionExplicit stores an absolute output offset per part.
	BinaryVersionExplicit uint32 = 2
	// BinaryVersionLocated adds the build version and, per part, the chunk
	// rolling hash and data group needed to locate the chunk on the CDN.
	BinaryVersionLocated uint32 = 3

	DefaultBinaryMagic uint32 = 0x44BEC00C
)

// BinaryFormat holds the deployment specific constants of the binary
// manifest layout.
type BinaryFormat struct {
	Magic      uint32
	ByteOrder  binary.ByteOrder
	MinVersion uint32
	MaxVersion uint32
	// SizeWidth is the width in bytes (4 or 8) of every size and offset field.
	SizeWidth int
}

// DefaultBinaryFormat returns the layout used when nothing is configured.
func DefaultBinaryFormat() BinaryFormat {
	return BinaryFormat{
		Magic:      DefaultBinaryMagic,
		ByteOrder:  binary.LittleEndian,
		MinVersion: BinaryVersionCumulative,
		MaxVersion: BinaryVersionLocated,
		SizeWidth:  8,
	}
}

// Validate checks the format itself.
func (f BinaryFormat) Validate() error {
	if f.ByteOrder == nil {
		return fmt.Errorf("binary format has no byte order")
	}
	if f.SizeWidth != 4 && f.SizeWidth != 8 {
		return fmt.Errorf("size width %d must be 4 or 8", f.SizeWidth)
	}
	if f.MinVersion == 0 || f.MinVersion > f.MaxVersion {
		return fmt.Errorf("invalid version range %d..%d", f.MinVersion, f.MaxVersion)
	}
	return nil
}

var hashAlgorithmIDs = map[uint8]HashAlgorithm{
	0: HashNone,
	1: HashSHA1,
	2: HashSHA256,
}

func hashAlgorithmID(alg HashAlgorithm) (uint8, bool) {
	for id, a := range hashAlgorithmIDs {
		if a == alg {
			return id, true
		}
	}
	return 0, false
}

// ParseBinary decodes a binary manifest.
func ParseBinary(raw []byte, format BinaryFormat) (*Manifest, error) {
	if err := format.Validate(); err != nil {
		return nil, bgerrors.ErrInvalidConfig.WithCause(err)
	}

	r := &binReader{buf: raw, order: format.ByteOrder, width: format.SizeWidth}

	magic, err := r.u32("magic")
	if err != nil {
		return nil, err
	}
	if magic != format.Magic {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("bad manifest magic").
			WithDetail("magic", fmt.Sprintf("0x%08X", magic))
	}

	version, err := r.u32("version")
	if err != nil {
		return nil, err
	}
	if version < format.MinVersion || version > format.MaxVersion {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("unsupported manifest version").
			WithDetail("version", version)
	}

	fileSize, err := r.uw("file_size")
	if err != nil {
		return nil, err
	}
	partCount, err := r.u32("part_count")
	if err != nil {
		return nil, err
	}
	nameLen, err := r.u16("name_len")
	if err != nil {
		return nil, err
	}
	name, err := r.bytes(int(nameLen), "name")
	if err != nil {
		return nil, err
	}

	m := &Manifest{FileName: string(name), FileSize: fileSize}

	algID, err := r.u8("hash_alg")
	if err != nil {
		return nil, err
	}
	hashLen, err := r.u8("hash_len")
	if err != nil {
		return nil, err
	}
	sum, err := r.bytes(int(hashLen), "hash")
	if err != nil {
		return nil, err
	}
	alg, ok := hashAlgorithmIDs[algID]
	if !ok {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("unknown hash algorithm").WithDetail("hash_alg", algID)
	}
	if alg != HashNone {
		m.ExpectedHash = Hash{Algorithm: alg, Sum: append([]byte(nil), sum...)}
		if err := m.ExpectedHash.validate(); err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithCause(err)
		}
	}

	if version >= BinaryVersionLocated {
		buildLen, err := r.u16("build_len")
		if err != nil {
			return nil, err
		}
		build, err := r.bytes(int(buildLen), "build_version")
		if err != nil {
			return nil, err
		}
		m.BuildVersion = string(build)
	}

	recordSize := 16 + 4*format.SizeWidth
	if version >= BinaryVersionExplicit {
		recordSize += format.SizeWidth
	}
	if version >= BinaryVersionLocated {
		recordSize += 9
	}
	if uint64(partCount)*uint64(recordSize) > uint64(r.remaining()) {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("part records exceed manifest buffer").
			WithDetail("part_count", partCount).
			WithDetail("remaining", r.remaining())
	}

	m.Parts = make([]ChunkPart, 0, partCount)
	var cursor uint64
	for i := uint32(0); i < partCount; i++ {
		part, err := r.part(version)
		if err != nil {
			return nil, err
		}
		if version < BinaryVersionExplicit {
			part.OutputOffset = cursor
		}
		if part.PartSize > math.MaxUint64-cursor {
			return nil, bgerrors.ErrMalformedManifest.WithMessage("part sizes overflow").WithDetail("part", i)
		}
		cursor += part.PartSize
		m.Parts = append(m.Parts, part)
	}

	if cursor != m.FileSize {
		return nil, bgerrors.ErrSizeMismatch.
			WithDetail("file", m.FileName).
			WithDetail("file_size", m.FileSize).
			WithDetail("part_sum", cursor)
	}

	return m, nil
}

// EncodeBinary writes m in the given format. Version 1 drops the output
// offsets, so callers must pass parts in file order for it.
func EncodeBinary(m *Manifest, format BinaryFormat, version uint32) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if version < format.MinVersion || version > format.MaxVersion {
		return nil, fmt.Errorf("version %d outside %d..%d", version, format.MinVersion, format.MaxVersion)
	}
	if len(m.FileName) > math.MaxUint16 {
		return nil, fmt.Errorf("file name of %d bytes is too long", len(m.FileName))
	}
	if len(m.BuildVersion) > math.MaxUint16 {
		return nil, fmt.Errorf("build version of %d bytes is too long", len(m.BuildVersion))
	}
	algID, ok := hashAlgorithmID(m.ExpectedHash.Algorithm)
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", m.ExpectedHash.Algorithm)
	}

	w := &binWriter{order: format.ByteOrder, width: format.SizeWidth}
	w.u32(format.Magic)
	w.u32(version)
	if err := w.uw(m.FileSize); err != nil {
		return nil, err
	}
	w.u32(uint32(len(m.Parts)))
	w.u16(uint16(len(m.FileName)))
	w.buf.WriteString(m.FileName)
	w.buf.WriteByte(algID)
	w.buf.WriteByte(byte(len(m.ExpectedHash.Sum)))
	w.buf.Write(m.ExpectedHash.Sum)
	if version >= BinaryVersionLocated {
		w.u16(uint16(len(m.BuildVersion)))
		w.buf.WriteString(m.BuildVersion)
	}

	for _, p := range m.Parts {
		for _, word := range p.Chunk.GUID.Words() {
			w.u32(word)
		}
		fields := []uint64{p.Chunk.Offset, p.Chunk.Size, p.PartOffset, p.PartSize}
		if version >= BinaryVersionExplicit {
			fields = append(fields, p.OutputOffset)
		}
		for _, v := range fields {
			if err := w.uw(v); err != nil {
				return nil, err
			}
		}
		if version >= BinaryVersionLocated {
			w.u64(p.Chunk.Hash)
			w.buf.WriteByte(p.Chunk.Group)
		}
	}

	return w.buf.Bytes(), nil
}

type binReader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
	width int
}

func (r *binReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *binReader) bytes(n int, field string) ([]byte, error) {
	if n > r.remaining() {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("field exceeds manifest buffer").
			WithDetail("field", field).
			WithDetail("offset", r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *binReader) u8(field string) (uint8, error) {
	b, err := r.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *binReader) u16(field string) (uint16, error) {
	b, err := r.bytes(2, field)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *binReader) u32(field string) (uint32, error) {
	b, err := r.bytes(4, field)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *binReader) uw(field string) (uint64, error) {
	b, err := r.bytes(r.width, field)
	if err != nil {
		return 0, err
	}
	if r.width == 4 {
		return uint64(r.order.Uint32(b)), nil
	}
	return r.order.Uint64(b), nil
}

func (r *binReader) part(version uint32) (ChunkPart, error) {
	var words [4]uint32
	for i := range words {
		w, err := r.u32("guid")
		if err != nil {
			return ChunkPart{}, err
		}
		words[i] = w
	}

	var fields [5]uint64
	n := 4
	if version >= BinaryVersionExplicit {
		n = 5
	}
	for i := 0; i < n; i++ {
		v, err := r.uw("part")
		if err != nil {
			return ChunkPart{}, err
		}
		fields[i] = v
	}

	part := ChunkPart{
		Chunk: ChunkDescriptor{
			GUID:   GUIDFromWords(words[0], words[1], words[2], words[3]),
			Offset: fields[0],
			Size:   fields[1],
		},
		PartOffset:   fields[2],
		PartSize:     fields[3],
		OutputOffset: fields[4],
	}
	if version >= BinaryVersionLocated {
		b, err := r.bytes(8, "rolling_hash")
		if err != nil {
			return ChunkPart{}, err
		}
		part.Chunk.Hash = r.order.Uint64(b)
		if part.Chunk.Group, err = r.u8("group"); err != nil {
			return ChunkPart{}, err
		}
	}
	return part, nil
}

type binWriter struct {
	buf   bytes.Buffer
	order binary.ByteOrder
	width int
}

func (w *binWriter) u16(v uint16) {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) u32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) u64(v uint64) {
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) uw(v uint64) error {
	if w.width == 4 {
		if v > math.MaxUint32 {
			return fmt.Errorf("value %d does not fit a 4 byte field", v)
		}
		w.u32(uint32(v))
		return nil
	}
	w.u64(v)
	return nil
}
