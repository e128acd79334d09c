package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// GUID identifies a chunk. The textual form is 32 upper-case hex digits.
type GUID [16]byte

// ParseGUID accepts the undashed 32 digit form used by the CDN as well as
// the dashed RFC 4122 form.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return GUID{}, fmt.Errorf("invalid guid %q: %w", s, err)
	}
	return GUID(u), nil
}

// GUIDFromWords builds a GUID from its four 32-bit words, most significant first.
func GUIDFromWords(a, b, c, d uint32) GUID {
	var g GUID
	binary.BigEndian.PutUint32(g[0:4], a)
	binary.BigEndian.PutUint32(g[4:8], b)
	binary.BigEndian.PutUint32(g[8:12], c)
	binary.BigEndian.PutUint32(g[12:16], d)
	return g
}

// Words returns the four 32-bit words of the GUID.
func (g GUID) Words() [4]uint32 {
	return [4]uint32{
		binary.BigEndian.Uint32(g[0:4]),
		binary.BigEndian.Uint32(g[4:8]),
		binary.BigEndian.Uint32(g[8:12]),
		binary.BigEndian.Uint32(g[12:16]),
	}
}

func (g GUID) String() string {
	return strings.ToUpper(hex.EncodeToString(g[:]))
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}

// ChunkDescriptor identifies a chunk blob and how to locate it.
type ChunkDescriptor struct {
	GUID   GUID
	Offset uint64 // offset of the blob in its container, 0 for standalone chunk files
	Size   uint64 // stored blob size, 0 when unknown
	Hash   uint64 // rolling hash, part of the CDN file name
	Group  uint8  // data group, part of the CDN path
	SHA1   []byte
}

// ChunkPart maps a byte range of a decoded chunk onto the output file.
type ChunkPart struct {
	Chunk        ChunkDescriptor
	PartOffset   uint64
	PartSize     uint64
	OutputOffset uint64
}

// End returns the exclusive end of the part in the output file.
func (p ChunkPart) End() uint64 {
	return p.OutputOffset + p.PartSize
}

// Manifest describes how one file is rebuilt from chunk parts.
type Manifest struct {
	FileName     string
	FileSize     uint64
	Parts        []ChunkPart
	ExpectedHash Hash
	// BuildVersion names the build the chunks belong to, e.g. "CL_3514827".
	// Empty when the source format does not record it.
	BuildVersion string
}

// ChunkRefs counts how many non-empty parts reference each chunk.
func (m *Manifest) ChunkRefs() map[GUID]int {
	refs := make(map[GUID]int)
	for _, p := range m.Parts {
		if p.PartSize > 0 {
			refs[p.Chunk.GUID]++
		}
	}
	return refs
}

// HashAlgorithm names a file digest algorithm.
type HashAlgorithm string

const (
	HashNone   HashAlgorithm = ""
	HashSHA1   HashAlgorithm = "sha1"
	HashSHA256 HashAlgorithm = "sha256"
)

// Hash is an expected or computed digest.
type Hash struct {
	Algorithm HashAlgorithm
	Sum       []byte
}

// ParseHash parses "SHA1:<hex>" or "sha256:<hex>".
func ParseHash(s string) (Hash, error) {
	alg, hexSum, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Hash{}, fmt.Errorf("hash %q has no algorithm prefix", s)
	}
	h := Hash{Algorithm: HashAlgorithm(strings.ToLower(alg))}
	sum, err := hex.DecodeString(hexSum)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %q: %w", s, err)
	}
	h.Sum = sum
	if err := h.validate(); err != nil {
		return Hash{}, err
	}
	return h, nil
}

func (h Hash) IsZero() bool {
	return h.Algorithm == HashNone && len(h.Sum) == 0
}

func (h Hash) Equal(other Hash) bool {
	return h.Algorithm == other.Algorithm && bytes.Equal(h.Sum, other.Sum)
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h.Sum)
}

func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return string(h.Algorithm) + ":" + h.Hex()
}

// NewHasher returns a hash.Hash for the algorithm.
func (a HashAlgorithm) NewHasher() (hash.Hash, error) {
	switch a {
	case HashSHA1:
		return sha1.New(), nil
	case HashSHA256:
		return digest.SHA256.Hash(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

// Size returns the digest length of the algorithm in bytes.
func (a HashAlgorithm) Size() int {
	switch a {
	case HashSHA1:
		return sha1.Size
	case HashSHA256:
		return digest.SHA256.Size()
	default:
		return 0
	}
}

func (h Hash) validate() error {
	size := h.Algorithm.Size()
	if size == 0 {
		return fmt.Errorf("unsupported hash algorithm %q", string(h.Algorithm))
	}
	if len(h.Sum) != size {
		return fmt.Errorf("%s hash has %d bytes, want %d", h.Algorithm, len(h.Sum), size)
	}
	return nil
}

// SumBytes hashes data with the given algorithm.
func SumBytes(alg HashAlgorithm, data []byte) (Hash, error) {
	hasher, err := alg.NewHasher()
	if err != nil {
		return Hash{}, err
	}
	hasher.Write(data)
	return Hash{Algorithm: alg, Sum: hasher.Sum(nil)}, nil
}
