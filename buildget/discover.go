package buildget

import (
	"context"
	"strconv"
	"strings"

	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
)

// DefaultManifestPattern names the per-pak manifests of a changelist.
const DefaultManifestPattern = "WorldExplorers_pakchunk{pak}CL_{changelist}.manifest"

// DefaultJumpPoints are the pak numbers after which sparse pak ranges start.
var DefaultJumpPoints = []int{49, 99, 899, 999}

// Probe fetches the manifest of one pak number. Any error counts as a miss.
type Probe func(ctx context.Context, pak int) ([]byte, error)

// DiscoverOptions controls DiscoverManifests.
type DiscoverOptions struct {
	Start      int
	MaxPak     int // 0 means no upper bound
	MaxMisses  int
	JumpAfter  int
	JumpPoints []int
	Retries    int
	// Name maps a pak number to its manifest file name.
	Name func(pak int) string
	// Known returns a manifest that is already available locally. It counts
	// as a hit without a probe.
	Known func(pak int) ([]byte, bool)
}

// DefaultDiscoverOptions returns the search parameters used for Battle
// Breakers builds.
func DefaultDiscoverOptions() DiscoverOptions {
	return DiscoverOptions{
		Start:      1,
		MaxPak:     5000,
		MaxMisses:  15,
		JumpAfter:  5,
		JumpPoints: append([]int(nil), DefaultJumpPoints...),
		Retries:    2,
	}
}

// DiscoveredManifest is one manifest found by DiscoverManifests.
type DiscoveredManifest struct {
	Pak   int
	Name  string
	Data  []byte
	Known bool
}

// ManifestName expands {pak} and {changelist} in pattern.
func ManifestName(pattern string, pak int, changelist string) string {
	return strings.NewReplacer(
		"{pak}", strconv.Itoa(pak),
		"{changelist}", changelist,
	).Replace(pattern)
}

// NewHTTPProbe probes urlFor(pak) with client. Probe retries are done by
// DiscoverManifests, so client is best configured without its own.
func NewHTTPProbe(client *storage.Client, urlFor func(pak int) string) Probe {
	return func(ctx context.Context, pak int) ([]byte, error) {
		return client.Get(ctx, urlFor(pak))
	}
}

// DiscoverManifests probes pak numbers upward from Start. A hit resets the
// miss counter. Once more than JumpAfter misses have accumulated, a miss moves
// the search past the next jump point. The search stops after MaxMisses
// consecutive misses or once the pak number exceeds MaxPak.
func DiscoverManifests(ctx context.Context, probe Probe, opts DiscoverOptions) ([]DiscoveredManifest, error) {
	if opts.Start <= 0 {
		opts.Start = 1
	}
	if opts.MaxMisses <= 0 {
		opts.MaxMisses = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	name := opts.Name
	if name == nil {
		name = func(pak int) string { return strconv.Itoa(pak) }
	}

	var found []DiscoveredManifest
	misses := 0
	for pak := opts.Start; misses < opts.MaxMisses; pak++ {
		if opts.MaxPak > 0 && pak > opts.MaxPak {
			break
		}
		if err := ctx.Err(); err != nil {
			return found, err
		}

		if opts.Known != nil {
			if data, ok := opts.Known(pak); ok {
				logger.Debug("Pak %d already present", pak)
				found = append(found, DiscoveredManifest{Pak: pak, Name: name(pak), Data: data, Known: true})
				misses = 0
				continue
			}
		}

		data, err := probeWithRetry(ctx, probe, pak, opts.Retries)
		if err == nil {
			logger.Info("Found manifest for pak %d", pak)
			found = append(found, DiscoveredManifest{Pak: pak, Name: name(pak), Data: data})
			misses = 0
			continue
		}
		if ctx.Err() != nil {
			return found, ctx.Err()
		}

		logger.Debug("Pak %d missing: %v", pak, err)
		if misses >= opts.JumpAfter {
			if next, ok := nextJumpPoint(opts.JumpPoints, pak); ok {
				logger.Debug("Jumping from pak %d to %d", pak, next+1)
				pak = next
			}
		}
		misses++
	}
	return found, nil
}

func probeWithRetry(ctx context.Context, probe Probe, pak, retries int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		data, err := probe(ctx, pak)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// nextJumpPoint returns the first jump point above pak.
func nextJumpPoint(points []int, pak int) (int, bool) {
	best, ok := 0, false
	for _, p := range points {
		if p > pak && (!ok || p < best) {
			best, ok = p, true
		}
	}
	return best, ok
}

// BuildMaster describes the discovered manifests as a master manifest.
func BuildMaster(changelist int, buildURL string, found []DiscoveredManifest) *manifest.Master {
	master := &manifest.Master{
		ClientVersion: changelist,
		BuildURL:      buildURL,
		Files:         make([]manifest.MasterFile, 0, len(found)),
	}
	for _, f := range found {
		master.Files = append(master.Files, manifest.NewMasterFile(f.Name, f.Data))
	}
	return master
}
