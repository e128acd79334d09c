package storage

import (
	"fmt"
	"strings"

	"github.com/flaneur2020/build-get/buildget/manifest"
)

// ChunkLayout maps a chunk descriptor to the URL it is served from.
type ChunkLayout interface {
	ChunkURL(chunk manifest.ChunkDescriptor) string
}

// DefaultChunkDir is the directory chunks live under on the CDN.
const DefaultChunkDir = "ChunksV3"

// ChunksV3Layout produces
// {base}/{build}/{platform}/{dir}/{group:02d}/{hash:016X}_{guid}.chunk.
type ChunksV3Layout struct {
	BaseURL      string
	BuildVersion string
	Platform     string
	Dir          string
}

func (l ChunksV3Layout) ChunkURL(chunk manifest.ChunkDescriptor) string {
	dir := l.Dir
	if dir == "" {
		dir = DefaultChunkDir
	}

	segments := []string{strings.TrimRight(l.BaseURL, "/")}
	for _, s := range []string{l.BuildVersion, l.Platform, dir} {
		if s = strings.Trim(s, "/"); s != "" {
			segments = append(segments, s)
		}
	}
	segments = append(segments, ChunkFileName(chunk, true))
	return strings.Join(segments, "/")
}

// ChunkFileName returns "{group:02d}/{hash:016X}_{guid}.chunk", or just
// the file name when withGroup is false.
func ChunkFileName(chunk manifest.ChunkDescriptor, withGroup bool) string {
	name := fmt.Sprintf("%016X_%s.chunk", chunk.Hash, chunk.GUID.String())
	if !withGroup {
		return name
	}
	return fmt.Sprintf("%02d/%s", chunk.Group, name)
}
