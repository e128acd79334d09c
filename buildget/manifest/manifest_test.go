package manifest

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guidA = "1865E37A4FD1B9CD35AA12BFEFBF1502"
	guidB = "7D8628F07C7F47971865E37A4FD1B9CD"
)

func TestGUID(t *testing.T) {
	g, err := ParseGUID(guidA)
	require.NoError(t, err)
	assert.Equal(t, guidA, g.String())

	words := g.Words()
	assert.Equal(t, uint32(0x1865E37A), words[0])
	assert.Equal(t, uint32(0xEFBF1502), words[3])
	assert.Equal(t, g, GUIDFromWords(words[0], words[1], words[2], words[3]))

	dashed, err := ParseGUID("1865e37a-4fd1-b9cd-35aa-12bfefbf1502")
	require.NoError(t, err)
	assert.Equal(t, g, dashed)

	_, err = ParseGUID("not-a-guid")
	assert.Error(t, err)
	assert.True(t, GUID{}.IsZero())
}

func TestBlobDecoding(t *testing.T) {
	b, err := DecodeBlob("001002255")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 255}, b)

	v, err := BlobUint64("001001000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(257), v)

	v, err = BlobUint64(EncodeBlobUint(0x7D8628F07C7F4797, 8))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7D8628F07C7F4797), v)

	_, err = DecodeBlob("0012")
	assert.Error(t, err)
	_, err = DecodeBlob("256")
	assert.Error(t, err)
	_, err = BlobUint64(strings.Repeat("001", 9))
	assert.Error(t, err)
}

func sampleJSON(t *testing.T, fileHash []byte) []byte {
	t.Helper()
	hashBlob := ""
	if fileHash != nil {
		hashBlob = EncodeBlob(fileHash)
	}
	return []byte(`{
		"ManifestFileVersion": "013000000000",
		"BuildVersionString": "CL_3514827",
		"AppNameString": "WorldExplorersLive",
		"FileManifestList": [
			{
				"Filename": "pakchunk1-Android_ATC.pak",
				"FileHash": "` + hashBlob + `",
				"FileChunkParts": [
					{"Guid": "` + guidA + `", "Offset": "` + EncodeBlobUint(0, 4) + `", "Size": "` + EncodeBlobUint(4, 4) + `"},
					{"Guid": "` + guidB + `", "Offset": "` + EncodeBlobUint(2, 4) + `", "Size": "` + EncodeBlobUint(3, 4) + `"},
					{"Guid": "` + guidA + `", "Offset": "` + EncodeBlobUint(4, 4) + `", "Size": "` + EncodeBlobUint(4, 4) + `"}
				]
			},
			{"Filename": "empty-Android_ATC.pak", "FileChunkParts": []}
		],
		"ChunkHashList": {
			"` + guidA + `": "` + EncodeBlobUint(0x7D8628F07C7F4797, 8) + `",
			"` + guidB + `": "` + EncodeBlobUint(1, 8) + `"
		},
		"ChunkShaList": {"` + guidA + `": "3c520662e82bd5c159e9894d89556f44620d2fc6"},
		"DataGroupList": {"` + guidA + `": "079", "` + guidB + `": "003"},
		"ChunkFilesizeList": {"` + guidA + `": "` + EncodeBlobUint(1234, 8) + `"}
	}`)
}

func TestParseJSON(t *testing.T) {
	sum := sha1.Sum([]byte("whatever"))
	build, err := ParseJSON(sampleJSON(t, sum[:]))
	require.NoError(t, err)

	assert.Equal(t, "CL_3514827", build.Version)
	assert.Equal(t, "WorldExplorersLive", build.AppName)
	for _, f := range build.Files {
		assert.Equal(t, "CL_3514827", f.BuildVersion)
	}
	require.Len(t, build.Files, 2)

	m, ok := build.File("pakchunk1-Android_ATC.pak")
	require.True(t, ok)
	require.Len(t, m.Parts, 3)
	assert.Equal(t, uint64(11), m.FileSize)

	// output offsets are running sums of part sizes
	assert.Equal(t, []uint64{0, 4, 7}, []uint64{m.Parts[0].OutputOffset, m.Parts[1].OutputOffset, m.Parts[2].OutputOffset})
	assert.Equal(t, uint64(2), m.Parts[1].PartOffset)

	a := m.Parts[0].Chunk
	assert.Equal(t, guidA, a.GUID.String())
	assert.Equal(t, uint64(0x7D8628F07C7F4797), a.Hash)
	assert.Equal(t, uint8(79), a.Group)
	assert.Equal(t, uint64(1234), a.Size)
	assert.Len(t, a.SHA1, 20)
	assert.Equal(t, uint8(3), m.Parts[1].Chunk.Group)

	assert.Equal(t, HashSHA1, m.ExpectedHash.Algorithm)
	assert.Equal(t, sum[:], m.ExpectedHash.Sum)
	assert.Equal(t, 2, m.ChunkRefs()[a.GUID])

	empty, ok := build.File("empty-Android_ATC.pak")
	require.True(t, ok)
	assert.Zero(t, empty.FileSize)
	assert.True(t, empty.ExpectedHash.IsZero())
}

func TestParseJSON_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "{"},
		{name: "no file list", raw: `{"BuildVersionString": "x"}`},
		{name: "unknown chunk", raw: `{"FileManifestList": [{"Filename": "a", "FileChunkParts": [{"Guid": "` + guidA + `", "Offset": "000", "Size": "001"}]}]}`},
		{name: "bad guid key", raw: `{"FileManifestList": [], "ChunkHashList": {"zz": "000"}}`},
		{name: "bad blob", raw: `{"FileManifestList": [], "ChunkHashList": {"` + guidA + `": "99"}}`},
		{name: "group for unknown chunk", raw: `{"FileManifestList": [], "DataGroupList": {"` + guidA + `": "001"}}`},
		{name: "short file hash", raw: `{"FileManifestList": [{"Filename": "a", "FileHash": "001002", "FileChunkParts": []}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSON([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
		})
	}
}

func TestPakChunkNames(t *testing.T) {
	platform, ok := PlatformFromFileName("pakchunk1-Android_ATC.pak")
	assert.True(t, ok)
	assert.Equal(t, "Android_ATC", platform)

	idx, ok := PakChunkIndex("pakchunk12-Android_ATC.pak")
	assert.True(t, ok)
	assert.Equal(t, "12", idx)

	_, ok = PlatformFromFileName("pakchunk1.pak")
	assert.False(t, ok)
	_, ok = PakChunkIndex("readme.txt")
	assert.False(t, ok)
}

func binaryManifest(t *testing.T) *Manifest {
	t.Helper()
	a, err := ParseGUID(guidA)
	require.NoError(t, err)
	b, err := ParseGUID(guidB)
	require.NoError(t, err)
	sum := sha1.Sum([]byte("ABCDEFGH"))
	return &Manifest{
		FileName: "pakchunk1-Windows.pak",
		FileSize: 10,
		Parts: []ChunkPart{
			{Chunk: ChunkDescriptor{GUID: a, Size: 100}, PartOffset: 0, PartSize: 4, OutputOffset: 0},
			{Chunk: ChunkDescriptor{GUID: b, Offset: 16}, PartOffset: 1, PartSize: 2, OutputOffset: 4},
			{Chunk: ChunkDescriptor{GUID: a, Size: 100}, PartOffset: 4, PartSize: 4, OutputOffset: 6},
		},
		ExpectedHash: Hash{Algorithm: HashSHA1, Sum: sum[:]},
	}
}

func TestParseBinary_Cumulative(t *testing.T) {
	format := DefaultBinaryFormat()
	want := binaryManifest(t)

	raw, err := EncodeBinary(want, format, BinaryVersionCumulative)
	require.NoError(t, err)

	got, err := ParseBinary(raw, format)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseBinary_ExplicitOffsets(t *testing.T) {
	format := DefaultBinaryFormat()
	format.SizeWidth = 4
	format.ByteOrder = binary.BigEndian
	format.Magic = 0xCAFEF00D

	want := binaryManifest(t)
	// explicit offsets keep file positions even when records are out of order
	want.Parts[0], want.Parts[2] = want.Parts[2], want.Parts[0]

	raw, err := EncodeBinary(want, format, BinaryVersionExplicit)
	require.NoError(t, err)

	got, err := ParseBinary(raw, format)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.Parts[0].OutputOffset)
	assert.Equal(t, uint64(0), got.Parts[2].OutputOffset)
}

func TestParseBinary_Located(t *testing.T) {
	format := DefaultBinaryFormat()
	want := binaryManifest(t)
	want.BuildVersion = "CL_3514827"
	want.Parts[0].Chunk.Hash = 0x7D8628F07C7F4797
	want.Parts[0].Chunk.Group = 79
	want.Parts[2].Chunk = want.Parts[0].Chunk
	want.Parts[1].Chunk.Hash = 1
	want.Parts[1].Chunk.Group = 3

	raw, err := EncodeBinary(want, format, BinaryVersionLocated)
	require.NoError(t, err)

	got, err := ParseBinary(raw, format)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// older versions do not carry locators
	raw, err = EncodeBinary(want, format, BinaryVersionExplicit)
	require.NoError(t, err)
	got, err = ParseBinary(raw, format)
	require.NoError(t, err)
	assert.Empty(t, got.BuildVersion)
	assert.Zero(t, got.Parts[0].Chunk.Hash)

	t.Run("truncated locator", func(t *testing.T) {
		raw, err := EncodeBinary(want, format, BinaryVersionLocated)
		require.NoError(t, err)
		_, err = ParseBinary(raw[:len(raw)-1], format)
		assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
	})
}

func TestParseJSON_PartSizeOverflow(t *testing.T) {
	raw := []byte(`{
		"FileManifestList": [{"Filename": "big.pak", "FileChunkParts": [
			{"Guid": "` + guidA + `", "Offset": "` + EncodeBlobUint(0, 4) + `", "Size": "` + EncodeBlobUint(^uint64(0), 8) + `"},
			{"Guid": "` + guidA + `", "Offset": "` + EncodeBlobUint(0, 4) + `", "Size": "` + EncodeBlobUint(2, 8) + `"}
		]}],
		"ChunkHashList": {"` + guidA + `": "` + EncodeBlobUint(1, 8) + `"},
		"DataGroupList": {"` + guidA + `": "001"}
	}`)
	build, err := ParseJSON(raw)
	assert.Nil(t, build)
	assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
}

func TestParseBinary_Errors(t *testing.T) {
	format := DefaultBinaryFormat()
	raw, err := EncodeBinary(binaryManifest(t), format, BinaryVersionCumulative)
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[0] ^= 0xff
		m, err := ParseBinary(bad, format)
		assert.Nil(t, m)
		assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
	})

	t.Run("unsupported version", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(bad[4:8], 9)
		_, err := ParseBinary(bad, format)
		assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
	})

	t.Run("truncated parts", func(t *testing.T) {
		_, err := ParseBinary(raw[:len(raw)-3], format)
		assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := ParseBinary(raw[:6], format)
		assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
	})

	t.Run("empty buffer", func(t *testing.T) {
		_, err := ParseBinary(nil, format)
		assert.True(t, errors.Is(err, bgerrors.ErrMalformedManifest), "got %v", err)
	})

	t.Run("size mismatch", func(t *testing.T) {
		m := binaryManifest(t)
		m.FileSize = 11
		bad, err := EncodeBinary(m, format, BinaryVersionCumulative)
		require.NoError(t, err)
		_, err = ParseBinary(bad, format)
		assert.True(t, errors.Is(err, bgerrors.ErrSizeMismatch), "got %v", err)
	})

	t.Run("invalid format", func(t *testing.T) {
		f := format
		f.SizeWidth = 3
		_, err := ParseBinary(raw, f)
		assert.True(t, errors.Is(err, bgerrors.ErrInvalidConfig), "got %v", err)
	})
}

func TestParseBinary_ZeroParts(t *testing.T) {
	format := DefaultBinaryFormat()
	raw, err := EncodeBinary(&Manifest{FileName: "empty.pak"}, format, BinaryVersionCumulative)
	require.NoError(t, err)

	m, err := ParseBinary(raw, format)
	require.NoError(t, err)
	assert.Empty(t, m.Parts)
	assert.Zero(t, m.FileSize)
}

func TestParseHash(t *testing.T) {
	h, err := ParseHash("SHA1:3c520662e82bd5c159e9894d89556f44620d2fc6")
	require.NoError(t, err)
	assert.Equal(t, HashSHA1, h.Algorithm)
	assert.Equal(t, "sha1:3c520662e82bd5c159e9894d89556f44620d2fc6", h.String())

	_, err = ParseHash("3c520662")
	assert.Error(t, err)
	_, err = ParseHash("MD5:00")
	assert.Error(t, err)
	_, err = ParseHash("SHA1:abcd")
	assert.Error(t, err)

	computed, err := SumBytes(HashSHA256, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", computed.Hex())
}
