package manifest

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
)

// BuildList is the text Build Manifest: a build id followed by one line per
// file that is downloaded whole.
type BuildList struct {
	BuildID    string
	NumEntries int
	Entries    []BuildEntry
}

// BuildEntry is one file of a BuildList.
type BuildEntry struct {
	Name    string
	Size    int64
	Hash    Hash
	ChunkID int
	Path    string
}

var tabs = regexp.MustCompile(`\t+`)

// ParseBuildList reads the format
//
//	$BUILD_ID = 1.80.1696-r10121395
//	$NUM_ENTRIES = 378
//	pakchunk1_pak1.pak	1179	SHA1:3c52...	1	Windows/pakchunk1_pak1.pak
func ParseBuildList(r io.Reader) (*BuildList, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	list := &BuildList{}
	line := 0
	headers := 0

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if headers < 2 {
			key, value, err := parseHeaderLine(text)
			if err != nil {
				return nil, bgerrors.ErrMalformedManifest.WithDetail("line", line).WithCause(err)
			}
			switch key {
			case "BUILD_ID":
				list.BuildID = value
			case "NUM_ENTRIES":
				n, err := strconv.Atoi(value)
				if err != nil || n < 0 {
					return nil, bgerrors.ErrMalformedManifest.WithDetail("line", line).
						WithCause(fmt.Errorf("invalid entry count %q", value))
				}
				list.NumEntries = n
			default:
				return nil, bgerrors.ErrMalformedManifest.WithDetail("line", line).
					WithCause(fmt.Errorf("unexpected header %q", key))
			}
			headers++
			continue
		}

		entry, err := parseBuildEntry(text)
		if err != nil {
			return nil, bgerrors.ErrMalformedManifest.WithDetail("line", line).WithCause(err)
		}
		list.Entries = append(list.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, bgerrors.ErrMalformedManifest.WithCause(err)
	}

	if headers < 2 || list.BuildID == "" {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("build list is missing $BUILD_ID or $NUM_ENTRIES")
	}
	if len(list.Entries) != list.NumEntries {
		return nil, bgerrors.ErrMalformedManifest.WithMessage("entry count does not match $NUM_ENTRIES").
			WithDetail("declared", list.NumEntries).
			WithDetail("found", len(list.Entries))
	}

	return list, nil
}

func parseHeaderLine(text string) (string, string, error) {
	if !strings.HasPrefix(text, "$") {
		return "", "", fmt.Errorf("expected header line, got %q", text)
	}
	key, value, ok := strings.Cut(text[1:], "=")
	if !ok {
		return "", "", fmt.Errorf("header %q has no '='", text)
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), nil
}

func parseBuildEntry(text string) (BuildEntry, error) {
	fields := tabs.Split(text, -1)
	if len(fields) != 5 {
		return BuildEntry{}, fmt.Errorf("expected 5 tab separated fields, got %d", len(fields))
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return BuildEntry{}, fmt.Errorf("invalid size %q", fields[1])
	}
	hash, err := ParseHash(fields[2])
	if err != nil {
		return BuildEntry{}, err
	}
	chunkID, err := strconv.Atoi(fields[3])
	if err != nil {
		return BuildEntry{}, fmt.Errorf("invalid chunk id %q", fields[3])
	}

	return BuildEntry{
		Name:    fields[0],
		Size:    size,
		Hash:    hash,
		ChunkID: chunkID,
		Path:    fields[4],
	}, nil
}
