package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/opencontainers/go-digest"
)

// Master lists the per-pak manifests of one build and platform.
type Master struct {
	ClientVersion int          `json:"ClientVersion"`
	BuildURL      string       `json:"BuildUrl"`
	Files         []MasterFile `json:"files"`
}

// MasterFile is one manifest entry of a Master.
type MasterFile struct {
	Filename       string `json:"filename"`
	UniqueFilename string `json:"uniqueFilename"`
	Length         int64  `json:"length"`
	URL            string `json:"URL"`
	Hash           string `json:"hash"`
	Hash256        string `json:"hash256"`
}

// ParseMaster decodes a master manifest.
func ParseMaster(raw []byte) (*Master, error) {
	var m Master
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, bgerrors.ErrMalformedManifest.WithCause(err)
	}
	for i, f := range m.Files {
		if f.Filename == "" {
			return nil, bgerrors.ErrMalformedManifest.WithMessage("master manifest entry has no filename").
				WithDetail("index", i)
		}
	}
	return &m, nil
}

// NewMasterFile describes a downloaded manifest.
func NewMasterFile(name string, data []byte) MasterFile {
	sha := sha1.Sum(data)
	return MasterFile{
		Filename:       name,
		UniqueFilename: name,
		Length:         int64(len(data)),
		URL:            name,
		Hash:           strings.ToUpper(hex.EncodeToString(sha[:])),
		Hash256:        strings.ToUpper(digest.SHA256.FromBytes(data).Encoded()),
	}
}

// ExpectedHash returns the digest a download of the entry must match:
// hash256 when recorded, otherwise the SHA1 hash, otherwise none.
func (f MasterFile) ExpectedHash() (Hash, error) {
	if f.Hash256 != "" {
		d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(f.Hash256))
		if err := d.Validate(); err != nil {
			return Hash{}, fmt.Errorf("invalid hash256 %q: %w", f.Hash256, err)
		}
		return ParseHash(d.String())
	}
	if f.Hash == "" {
		return Hash{}, nil
	}
	return ParseHash("sha1:" + f.Hash)
}

// Marshal encodes the master manifest as indented JSON with files sorted by name.
func (m *Master) Marshal() ([]byte, error) {
	files := append([]MasterFile(nil), m.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	out := *m
	out.Files = files
	return json.MarshalIndent(&out, "", "    ")
}
