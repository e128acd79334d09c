package manifest

import (
	"fmt"
	"strconv"
)

// DecodeBlob decodes the JSON manifest "blob" encoding: each byte is
// written as three decimal digits, in storage order.
func DecodeBlob(s string) ([]byte, error) {
	if len(s)%3 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 3", len(s))
	}
	out := make([]byte, 0, len(s)/3)
	for i := 0; i < len(s); i += 3 {
		v, err := strconv.ParseUint(s[i:i+3], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("blob byte %q at %d: %w", s[i:i+3], i/3, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// BlobUint64 decodes a little-endian integer blob of at most eight bytes.
func BlobUint64(s string) (uint64, error) {
	b, err := DecodeBlob(s)
	if err != nil {
		return 0, err
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("blob of %d bytes overflows uint64", len(b))
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// EncodeBlob is the inverse of DecodeBlob.
func EncodeBlob(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, fmt.Sprintf("%03d", c)...)
	}
	return string(out)
}

// EncodeBlobUint encodes v as a little-endian blob of width bytes.
func EncodeBlobUint(v uint64, width int) string {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return EncodeBlob(b)
}
