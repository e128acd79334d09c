package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGUID(t *testing.T) manifest.GUID {
	t.Helper()
	g, err := manifest.ParseGUID("1865E37A4FD1B9CD35AA12BFEFBF1502")
	require.NoError(t, err)
	return g
}

func TestDecode_RoundTrip(t *testing.T) {
	guid := testGUID(t)
	dec := NewDecoder(DefaultFormat())

	for _, compress := range []bool{false, true} {
		raw, err := Encode(guid, []byte("ABCDEFGH"), EncodeOptions{Compress: compress, RollingHash: 42})
		require.NoError(t, err)

		got, err := dec.Decode(raw)
		require.NoError(t, err, "compress=%v", compress)
		assert.Equal(t, []byte("ABCDEFGH"), got.Data)
		assert.Equal(t, guid, got.Header.GUID)
		assert.Equal(t, uint64(42), got.Header.RollingHash)
		assert.Equal(t, uint32(3), got.Header.Version)
		if compress {
			assert.Equal(t, StoredCompressed, got.Header.StoredAs)
		} else {
			assert.Equal(t, StoredRaw, got.Header.StoredAs)
		}
	}
}

func TestDecode_Idempotent(t *testing.T) {
	raw, err := Encode(testGUID(t), bytes.Repeat([]byte("chunk"), 1000), EncodeOptions{Compress: true})
	require.NoError(t, err)
	dec := NewDecoder(DefaultFormat())

	first, err := dec.Decode(raw)
	require.NoError(t, err)
	second, err := dec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecode_DeclaredSizeMismatch(t *testing.T) {
	raw, err := Encode(testGUID(t), []byte("ABCDEFGH"), EncodeOptions{Compress: true})
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[62:66], 9)

	_, err = NewDecoder(DefaultFormat()).Decode(raw)
	assert.True(t, errors.Is(err, bgerrors.ErrDecodedSizeMismatch), "got %v", err)
}

func TestDecode_UnsupportedEncoding(t *testing.T) {
	raw, err := Encode(testGUID(t), []byte("ABCDEFGH"), EncodeOptions{})
	require.NoError(t, err)

	encrypted := append([]byte(nil), raw...)
	encrypted[40] = byte(StoredEncrypted)
	_, err = NewDecoder(DefaultFormat()).Decode(encrypted)
	assert.True(t, errors.Is(err, bgerrors.ErrUnsupportedEncoding), "got %v", err)

	unknown := append([]byte(nil), raw...)
	unknown[40] = 0x7f
	_, err = NewDecoder(DefaultFormat()).Decode(unknown)
	assert.True(t, errors.Is(err, bgerrors.ErrUnsupportedEncoding), "got %v", err)

	_, err = NewDecoder(Format{Magic: 0x12345678, WindowSize: DefaultWindowSize}).Decode(raw)
	assert.True(t, errors.Is(err, bgerrors.ErrUnsupportedEncoding), "got %v", err)
}

func TestDecode_Truncated(t *testing.T) {
	raw, err := Encode(testGUID(t), []byte("ABCDEFGH"), EncodeOptions{})
	require.NoError(t, err)
	dec := NewDecoder(DefaultFormat())

	for _, n := range []int{0, 3, 20, headerSizeV3 - 1, len(raw) - 1} {
		_, err := dec.Decode(raw[:n])
		assert.True(t, errors.Is(err, bgerrors.ErrIncompleteChunk), "length %d: got %v", n, err)
	}
}

func TestDecode_SHA1Mismatch(t *testing.T) {
	raw, err := Encode(testGUID(t), []byte("ABCDEFGH"), EncodeOptions{})
	require.NoError(t, err)
	raw[len(raw)-1] = 'X'

	_, err = NewDecoder(DefaultFormat()).Decode(raw)
	assert.True(t, errors.Is(err, bgerrors.ErrHashMismatch), "got %v", err)
}

func TestDecode_CorruptStream(t *testing.T) {
	raw, err := Encode(testGUID(t), []byte("ABCDEFGH"), EncodeOptions{Compress: true})
	require.NoError(t, err)
	raw[headerSizeV3] ^= 0xff

	_, err = NewDecoder(DefaultFormat()).Decode(raw)
	assert.Error(t, err)
	assert.True(t, bgerrors.IsRetryable(err))
}

func TestDecode_LegacyHeader(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte("ABCDEFGH"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	h := Header{
		Magic:              DefaultMagic,
		Version:            1,
		HeaderSize:         headerSizeV1,
		DataSizeCompressed: uint32(buf.Len()),
		GUID:               testGUID(t),
		StoredAs:           StoredCompressed,
	}
	raw := append(h.marshal(), buf.Bytes()...)
	require.Len(t, raw, headerSizeV1+buf.Len())

	// without an explicit size the fixed window applies
	got, err := NewDecoder(Format{Magic: DefaultMagic, WindowSize: 8}).Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEFGH"), got.Data)

	_, err = NewDecoder(DefaultFormat()).Decode(raw)
	assert.True(t, errors.Is(err, bgerrors.ErrDecodedSizeMismatch), "got %v", err)
}

func TestParseHeader_SizeTooSmall(t *testing.T) {
	h := Header{Magic: DefaultMagic, Version: 3, HeaderSize: headerSizeV3, GUID: testGUID(t)}
	raw := h.marshal()
	binary.LittleEndian.PutUint32(raw[8:12], headerSizeV1)

	_, err := ParseHeader(raw, DefaultFormat())
	assert.True(t, errors.Is(err, bgerrors.ErrUnsupportedEncoding), "got %v", err)
}
