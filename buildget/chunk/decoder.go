package chunk

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/klauspost/compress/zlib"
)

// DecodedChunk is the payload of one chunk blob. Data is shared read-only
// between all parts that reference the chunk.
type DecodedChunk struct {
	Header Header
	Data   []byte
}

// Decoder turns raw chunk blobs into their payload. Decode is a pure
// function of its input.
type Decoder interface {
	Decode(raw []byte) (*DecodedChunk, error)
}

type decoder struct {
	format Format
}

func NewDecoder(format Format) Decoder {
	return &decoder{format: format}
}

func (d *decoder) Decode(raw []byte) (*DecodedChunk, error) {
	h, err := ParseHeader(raw, d.format)
	if err != nil {
		return nil, err
	}

	end := uint64(h.HeaderSize) + uint64(h.DataSizeCompressed)
	if uint64(len(raw)) < end {
		return nil, bgerrors.ErrIncompleteChunk.WithMessage("chunk data shorter than header declares").
			WithDetail("guid", h.GUID.String()).
			WithDetail("length", len(raw)).
			WithDetail("want", end)
	}
	data := raw[h.HeaderSize:end]
	declared := h.DeclaredSize(d.format)

	var payload []byte
	switch h.StoredAs {
	case StoredRaw:
		payload = data
	case StoredCompressed:
		payload, err = inflate(data, declared)
		if err != nil {
			return nil, bgerrors.ErrDecodedSizeMismatch.WithMessage("failed to inflate chunk").
				WithDetail("guid", h.GUID.String()).
				WithCause(err)
		}
	default:
		return nil, bgerrors.ErrUnsupportedEncoding.
			WithDetail("guid", h.GUID.String()).
			WithDetail("stored_as", h.StoredAs.String())
	}

	if uint64(len(payload)) != uint64(declared) {
		return nil, bgerrors.ErrDecodedSizeMismatch.
			WithDetail("guid", h.GUID.String()).
			WithDetail("declared", declared).
			WithDetail("decoded", len(payload))
	}

	if h.hasSHA1() {
		if sum := sha1.Sum(payload); sum != h.SHA1 {
			return nil, bgerrors.ErrHashMismatch.WithMessage("chunk sha1 mismatch").
				WithDetail("guid", h.GUID.String())
		}
	}

	return &DecodedChunk{Header: h, Data: payload}, nil
}

const maxPrealloc = 16 * 1024 * 1024

// inflate reads at most declared+1 bytes so an oversized stream is
// detected without inflating all of it.
func inflate(data []byte, declared uint32) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	capacity := declared
	if capacity > maxPrealloc {
		capacity = maxPrealloc
	}
	out := bytes.NewBuffer(make([]byte, 0, capacity))
	if _, err := io.Copy(out, io.LimitReader(zr, int64(declared)+1)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// EncodeOptions controls Encode.
type EncodeOptions struct {
	Format      Format
	Compress    bool
	RollingHash uint64
}

// Encode builds a version 3 chunk blob carrying data and its SHA1.
func Encode(guid manifest.GUID, data []byte, opts EncodeOptions) ([]byte, error) {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("chunk of %d bytes is too large", len(data))
	}

	body := data
	storedAs := StoredRaw
	if opts.Compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
		storedAs = StoredCompressed
	}

	magic := opts.Format.Magic
	if magic == 0 {
		magic = DefaultMagic
	}

	h := Header{
		Magic:                magic,
		Version:              3,
		HeaderSize:           headerSizeV3,
		DataSizeCompressed:   uint32(len(body)),
		GUID:                 guid,
		RollingHash:          opts.RollingHash,
		StoredAs:             storedAs,
		SHA1:                 sha1.Sum(data),
		HashType:             HashSHA1,
		DataSizeUncompressed: uint32(len(data)),
	}

	out := h.marshal()
	return append(out, body...), nil
}
