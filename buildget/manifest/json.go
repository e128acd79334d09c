package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
)

// Build is a parsed ChunkV3 JSON manifest: one Manifest per file plus the
// chunk table the files reference.
type Build struct {
	Version string
	AppName string
	Files   []*Manifest
	Chunks  map[GUID]ChunkDescriptor
}

// File looks up a file manifest by name.
func (b *Build) File(name string) (*Manifest, bool) {
	for _, f := range b.Files {
		if f.FileName == name {
			return f, true
		}
	}
	return nil, false
}

type jsonManifest struct {
	ManifestFileVersion string            `json:"ManifestFileVersion"`
	BuildVersionString  string            `json:"BuildVersionString"`
	AppNameString       string            `json:"AppNameString"`
	FileManifestList    []jsonFile        `json:"FileManifestList"`
	ChunkHashList       map[string]string `json:"ChunkHashList"`
	ChunkShaList        map[string]string `json:"ChunkShaList"`
	DataGroupList       map[string]string `json:"DataGroupList"`
	ChunkFilesizeList   map[string]string `json:"ChunkFilesizeList"`
}

type jsonFile struct {
	Filename       string     `json:"Filename"`
	FileHash       string     `json:"FileHash"`
	FileChunkParts []jsonPart `json:"FileChunkParts"`
}

type jsonPart struct {
	Guid   string `json:"Guid"`
	Offset string `json:"Offset"`
	Size   string `json:"Size"`
}

// ParseJSON parses a ChunkV3 JSON manifest. Output offsets are the running
// sum of part sizes in manifest order.
func ParseJSON(raw []byte) (*Build, error) {
	var jm jsonManifest
	if err := json.Unmarshal(raw, &jm); err != nil {
		return nil, bgerrors.ErrMalformedManifest.WithCause(err)
	}
	if jm.FileManifestList == nil {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("manifest has no FileManifestList")
	}

	chunks, err := jm.chunkTable()
	if err != nil {
		return nil, err
	}

	build := &Build{
		Version: jm.BuildVersionString,
		AppName: jm.AppNameString,
		Files:   make([]*Manifest, 0, len(jm.FileManifestList)),
		Chunks:  chunks,
	}

	for _, jf := range jm.FileManifestList {
		m, err := jf.toManifest(chunks)
		if err != nil {
			return nil, err
		}
		m.BuildVersion = jm.BuildVersionString
		build.Files = append(build.Files, m)
	}

	return build, nil
}

func (jm *jsonManifest) chunkTable() (map[GUID]ChunkDescriptor, error) {
	chunks := make(map[GUID]ChunkDescriptor, len(jm.ChunkHashList))
	for key, blob := range jm.ChunkHashList {
		guid, err := ParseGUID(key)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("field", "ChunkHashList").WithCause(err)
		}
		h, err := BlobUint64(blob)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("guid", key).WithCause(err)
		}
		chunks[guid] = ChunkDescriptor{GUID: guid, Hash: h}
	}

	for key, blob := range jm.DataGroupList {
		guid, desc, err := lookupChunk(chunks, key, "DataGroupList")
		if err != nil {
			return nil, err
		}
		group, err := BlobUint64(blob)
		if err != nil || group > 0xff {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("guid", key).
				WithCause(fmt.Errorf("invalid data group %q", blob))
		}
		desc.Group = uint8(group)
		chunks[guid] = desc
	}

	for key, blob := range jm.ChunkFilesizeList {
		guid, desc, err := lookupChunk(chunks, key, "ChunkFilesizeList")
		if err != nil {
			return nil, err
		}
		size, err := BlobUint64(blob)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("guid", key).WithCause(err)
		}
		desc.Size = size
		chunks[guid] = desc
	}

	for key, shaHex := range jm.ChunkShaList {
		guid, desc, err := lookupChunk(chunks, key, "ChunkShaList")
		if err != nil {
			return nil, err
		}
		sum, err := hex.DecodeString(shaHex)
		if err != nil || len(sum) != HashSHA1.Size() {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("guid", key).
				WithCause(fmt.Errorf("invalid chunk sha %q", shaHex))
		}
		desc.SHA1 = sum
		chunks[guid] = desc
	}

	return chunks, nil
}

func lookupChunk(chunks map[GUID]ChunkDescriptor, key, field string) (GUID, ChunkDescriptor, error) {
	guid, err := ParseGUID(key)
	if err != nil {
		return GUID{}, ChunkDescriptor{}, bgerrors.ErrMalformedManifest.WithDetail("field", field).WithCause(err)
	}
	desc, ok := chunks[guid]
	if !ok {
		return GUID{}, ChunkDescriptor{}, bgerrors.ErrMalformedManifest.WithDetail("field", field).
			WithDetail("guid", key).WithMessage("chunk missing from ChunkHashList")
	}
	return guid, desc, nil
}

func (jf *jsonFile) toManifest(chunks map[GUID]ChunkDescriptor) (*Manifest, error) {
	m := &Manifest{
		FileName: jf.Filename,
		Parts:    make([]ChunkPart, 0, len(jf.FileChunkParts)),
	}

	if jf.FileHash != "" {
		sum, err := DecodeBlob(jf.FileHash)
		if err != nil || len(sum) != HashSHA1.Size() {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("file", jf.Filename).
				WithCause(fmt.Errorf("invalid file hash %q", jf.FileHash))
		}
		m.ExpectedHash = Hash{Algorithm: HashSHA1, Sum: sum}
	}

	var cursor uint64
	for i, jp := range jf.FileChunkParts {
		guid, err := ParseGUID(jp.Guid)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("file", jf.Filename).WithDetail("part", i).WithCause(err)
		}
		desc, ok := chunks[guid]
		if !ok {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("file", jf.Filename).WithDetail("guid", jp.Guid).
				WithMessage("part references a chunk missing from ChunkHashList")
		}
		offset, err := BlobUint64(jp.Offset)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("file", jf.Filename).WithDetail("part", i).WithCause(err)
		}
		size, err := BlobUint64(jp.Size)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("file", jf.Filename).WithDetail("part", i).WithCause(err)
		}

		if size > math.MaxUint64-cursor {
			return nil, bgerrors.ErrMalformedManifest.WithMessage("part sizes overflow").
				WithDetail("file", jf.Filename).WithDetail("part", i)
		}

		m.Parts = append(m.Parts, ChunkPart{
			Chunk:        desc,
			PartOffset:   offset,
			PartSize:     size,
			OutputOffset: cursor,
		})
		cursor += size
	}
	m.FileSize = cursor

	return m, nil
}

// PlatformFromFileName extracts the platform from names such as
// "pakchunk1-Android_ATC.pak".
func PlatformFromFileName(name string) (string, bool) {
	_, rest, ok := strings.Cut(name, "-")
	if !ok {
		return "", false
	}
	platform, _, _ := strings.Cut(rest, ".")
	if platform == "" {
		return "", false
	}
	return platform, true
}

// PakChunkIndex extracts the pak chunk number from names such as
// "pakchunk12-Android_ATC.pak".
func PakChunkIndex(name string) (string, bool) {
	_, rest, ok := strings.Cut(name, "pakchunk")
	if !ok {
		return "", false
	}
	idx, _, ok := strings.Cut(rest, "-")
	if !ok || idx == "" {
		return "", false
	}
	return idx, true
}
