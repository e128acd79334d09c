package buildget

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/flaneur2020/build-get/buildget/manifest"
)

// JobsFromBuildList maps every entry of a build list to
// {baseURL}/{build_id}/{path}, saved under outputDir/{build_id}/{path}.
func JobsFromBuildList(list *manifest.BuildList, baseURL, outputDir string) ([]DownloadJob, error) {
	jobs := make([]DownloadJob, 0, len(list.Entries))
	for _, e := range list.Entries {
		out, err := safeJoin(outputDir, list.BuildID, e.Path)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, DownloadJob{
			URL:        joinURL(baseURL, list.BuildID, e.Path),
			OutputPath: out,
			Size:       e.Size,
			Hash:       e.Hash,
		})
	}
	return jobs, nil
}

// JobsFromMaster maps every manifest named by a master manifest to
// {baseURL}/{BuildUrl}/{URL}, saved under outputDir/{BuildUrl}/{filename}.
// Jobs verify the recorded length and hash256, or SHA1 when that is all
// the entry records.
func JobsFromMaster(master *manifest.Master, baseURL, outputDir string) ([]DownloadJob, error) {
	jobs := make([]DownloadJob, 0, len(master.Files))
	for _, f := range master.Files {
		hash, err := f.ExpectedHash()
		if err != nil {
			return nil, fmt.Errorf("master entry %s: %w", f.Filename, err)
		}
		out, err := safeJoin(outputDir, master.BuildURL, f.Filename)
		if err != nil {
			return nil, err
		}

		name := f.URL
		if name == "" {
			name = f.Filename
		}
		size := f.Length
		if size <= 0 {
			size = -1
		}
		jobs = append(jobs, DownloadJob{
			URL:        joinURL(baseURL, master.BuildURL, name),
			OutputPath: out,
			Size:       size,
			Hash:       hash,
		})
	}
	return jobs, nil
}

func joinURL(base string, elems ...string) string {
	segments := []string{strings.TrimRight(base, "/")}
	for _, e := range elems {
		if e = strings.Trim(e, "/"); e != "" {
			segments = append(segments, e)
		}
	}
	return strings.Join(segments, "/")
}

// safeJoin joins slash-separated manifest paths under root. ".." elements
// cannot climb above root.
func safeJoin(root string, elems ...string) (string, error) {
	rel := path.Clean("/" + path.Join(elems...))
	if rel == "/" {
		return "", fmt.Errorf("empty output path")
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/"))), nil
}
