package chunk

import (
	"encoding/binary"
	"fmt"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/manifest"
)

const (
	DefaultMagic uint32 = 0xB1FE3AA2

	// DefaultWindowSize is the uncompressed size of chunks whose header
	// predates the explicit size field.
	DefaultWindowSize uint32 = 1024 * 1024

	headerSizeV1 = 41
	headerSizeV2 = 62
	headerSizeV3 = 66
)

// StoredAs is the encoding byte of a chunk header.
type StoredAs uint8

const (
	StoredRaw        StoredAs = 0x00
	StoredCompressed StoredAs = 0x01
	StoredEncrypted  StoredAs = 0x02
)

func (s StoredAs) String() string {
	switch s {
	case StoredRaw:
		return "stored"
	case StoredCompressed:
		return "compressed"
	case StoredEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(s))
	}
}

// Hash flags carried in HashType.
const (
	HashRollingPoly64 uint8 = 0x01
	HashSHA1          uint8 = 0x02
)

// Format holds the deployment constants the decoder needs.
type Format struct {
	Magic      uint32
	WindowSize uint32
}

// DefaultFormat returns the constants used when nothing is configured.
func DefaultFormat() Format {
	return Format{Magic: DefaultMagic, WindowSize: DefaultWindowSize}
}

// Header is the fixed prefix of a chunk blob. Version 1 stops after
// StoredAs, version 2 adds the SHA1 and hash type, version 3 the
// uncompressed size.
type Header struct {
	Magic                uint32
	Version              uint32
	HeaderSize           uint32
	DataSizeCompressed   uint32
	GUID                 manifest.GUID
	RollingHash          uint64
	StoredAs             StoredAs
	SHA1                 [20]byte
	HashType             uint8
	DataSizeUncompressed uint32
}

// minHeaderSize returns the smallest header size valid for a version.
func minHeaderSize(version uint32) int {
	switch {
	case version >= 3:
		return headerSizeV3
	case version == 2:
		return headerSizeV2
	default:
		return headerSizeV1
	}
}

// ParseHeader reads the header at the start of raw.
func ParseHeader(raw []byte, format Format) (Header, error) {
	if len(raw) < 4 {
		return Header{}, bgerrors.ErrIncompleteChunk.WithMessage("chunk shorter than its magic").
			WithDetail("length", len(raw))
	}

	le := binary.LittleEndian
	h := Header{Magic: le.Uint32(raw[0:4])}
	if h.Magic != format.Magic {
		return Header{}, bgerrors.ErrUnsupportedEncoding.WithMessage("bad chunk magic").
			WithDetail("magic", fmt.Sprintf("0x%08X", h.Magic))
	}
	if len(raw) < headerSizeV1 {
		return Header{}, bgerrors.ErrIncompleteChunk.WithMessage("chunk shorter than its header").
			WithDetail("length", len(raw))
	}

	h.Version = le.Uint32(raw[4:8])
	h.HeaderSize = le.Uint32(raw[8:12])
	h.DataSizeCompressed = le.Uint32(raw[12:16])
	h.GUID = manifest.GUIDFromWords(
		le.Uint32(raw[16:20]),
		le.Uint32(raw[20:24]),
		le.Uint32(raw[24:28]),
		le.Uint32(raw[28:32]),
	)
	h.RollingHash = le.Uint64(raw[32:40])
	h.StoredAs = StoredAs(raw[40])

	if h.Version == 0 {
		return Header{}, bgerrors.ErrUnsupportedEncoding.WithMessage("chunk header version 0")
	}
	if int(h.HeaderSize) < minHeaderSize(h.Version) {
		return Header{}, bgerrors.ErrUnsupportedEncoding.WithMessage("chunk header size too small for its version").
			WithDetail("version", h.Version).
			WithDetail("header_size", h.HeaderSize)
	}
	if uint64(len(raw)) < uint64(h.HeaderSize) {
		return Header{}, bgerrors.ErrIncompleteChunk.WithMessage("chunk shorter than its header").
			WithDetail("length", len(raw)).
			WithDetail("header_size", h.HeaderSize)
	}

	if h.Version >= 2 {
		copy(h.SHA1[:], raw[41:61])
		h.HashType = raw[61]
	}
	if h.Version >= 3 {
		h.DataSizeUncompressed = le.Uint32(raw[62:66])
	}

	return h, nil
}

// DeclaredSize is the decoded length the header promises.
func (h Header) DeclaredSize(format Format) uint32 {
	if h.Version >= 3 {
		return h.DataSizeUncompressed
	}
	if h.StoredAs == StoredCompressed {
		return format.WindowSize
	}
	return h.DataSizeCompressed
}

func (h Header) hasSHA1() bool {
	return h.HashType&HashSHA1 != 0 && h.SHA1 != [20]byte{}
}

func (h Header) marshal() []byte {
	size := int(h.HeaderSize)
	if size < minHeaderSize(h.Version) {
		size = minHeaderSize(h.Version)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], h.Magic)
	le.PutUint32(buf[4:8], h.Version)
	le.PutUint32(buf[8:12], uint32(size))
	le.PutUint32(buf[12:16], h.DataSizeCompressed)
	for i, w := range h.GUID.Words() {
		le.PutUint32(buf[16+4*i:20+4*i], w)
	}
	le.PutUint64(buf[32:40], h.RollingHash)
	buf[40] = byte(h.StoredAs)
	if h.Version >= 2 {
		copy(buf[41:61], h.SHA1[:])
		buf[61] = h.HashType
	}
	if h.Version >= 3 {
		le.PutUint32(buf[62:66], h.DataSizeUncompressed)
	}
	return buf
}
