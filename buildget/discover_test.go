package buildget

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbe answers for the paks in present and records every probe.
type fakeProbe struct {
	present map[int]bool
	probes  []int
}

func (p *fakeProbe) probe(ctx context.Context, pak int) ([]byte, error) {
	p.probes = append(p.probes, pak)
	if p.present[pak] {
		return []byte(fmt.Sprintf("manifest %d", pak)), nil
	}
	return nil, fmt.Errorf("pak %d not found", pak)
}

func paks(found []DiscoveredManifest) []int {
	out := make([]int, 0, len(found))
	for _, f := range found {
		out = append(out, f.Pak)
	}
	return out
}

func TestDiscoverManifests_JumpsBetweenRanges(t *testing.T) {
	present := map[int]bool{}
	for _, n := range []int{1, 2, 3, 50, 51, 100, 900, 1000, 1001} {
		present[n] = true
	}
	p := &fakeProbe{present: present}

	opts := DefaultDiscoverOptions()
	opts.Retries = 0
	found, err := DiscoverManifests(context.Background(), p.probe, opts)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 50, 51, 100, 900, 1000, 1001}, paks(found))

	// 4..9 are probed, then the sixth consecutive miss jumps past 49
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 50}, p.probes[:10])
	assert.NotContains(t, p.probes, 10)
	assert.Equal(t, "1", found[0].Name)
}

func TestDiscoverManifests_Terminates(t *testing.T) {
	p := &fakeProbe{present: map[int]bool{1: true}}
	opts := DefaultDiscoverOptions()
	opts.Retries = 1
	opts.JumpPoints = nil

	found, err := DiscoverManifests(context.Background(), p.probe, opts)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, paks(found))
	// one hit, then MaxMisses paks with two attempts each
	assert.Len(t, p.probes, 1+2*opts.MaxMisses)
}

func TestDiscoverManifests_MaxPak(t *testing.T) {
	present := map[int]bool{}
	for i := 1; i <= 100; i++ {
		present[i] = true
	}
	p := &fakeProbe{present: present}
	opts := DefaultDiscoverOptions()
	opts.MaxPak = 10

	found, err := DiscoverManifests(context.Background(), p.probe, opts)
	require.NoError(t, err)
	assert.Len(t, found, 10)
}

func TestDiscoverManifests_Known(t *testing.T) {
	p := &fakeProbe{present: map[int]bool{2: true}}
	opts := DefaultDiscoverOptions()
	opts.MaxMisses = 2
	opts.Name = func(pak int) string { return ManifestName(DefaultManifestPattern, pak, "3514827") }
	opts.Known = func(pak int) ([]byte, bool) {
		if pak == 1 {
			return []byte("on disk"), true
		}
		return nil, false
	}

	found, err := DiscoverManifests(context.Background(), p.probe, opts)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.True(t, found[0].Known)
	assert.Equal(t, []byte("on disk"), found[0].Data)
	assert.Equal(t, "WorldExplorers_pakchunk1CL_3514827.manifest", found[0].Name)
	assert.NotContains(t, p.probes, 1)
}

func TestDiscoverManifests_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DiscoverManifests(ctx, (&fakeProbe{}).probe, DefaultDiscoverOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPProbeAndBuildMaster(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/CL_1/IOS/WorldExplorers_pakchunk1CL_1.manifest", "/CL_1/IOS/WorldExplorers_pakchunk2CL_1.manifest":
			w.Write([]byte(r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	name := func(pak int) string { return ManifestName(DefaultManifestPattern, pak, "1") }
	probe := NewHTTPProbe(storage.NewClientWith(server.Client(), storage.ClientOptions{}), func(pak int) string {
		return server.URL + "/CL_1/IOS/" + name(pak)
	})

	opts := DefaultDiscoverOptions()
	opts.MaxMisses = 3
	opts.Retries = 0
	opts.Name = name
	found, err := DiscoverManifests(context.Background(), probe, opts)
	require.NoError(t, err)
	require.Len(t, found, 2)

	master := BuildMaster(1, "CL_1/IOS", found)
	assert.Equal(t, 1, master.ClientVersion)
	assert.Equal(t, "CL_1/IOS", master.BuildURL)
	require.Len(t, master.Files, 2)
	assert.Equal(t, "WorldExplorers_pakchunk1CL_1.manifest", master.Files[0].Filename)
	assert.Equal(t, int64(len("/CL_1/IOS/WorldExplorers_pakchunk1CL_1.manifest")), master.Files[0].Length)

	jobs, err := JobsFromMaster(master, server.URL, t.TempDir())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, server.URL+"/CL_1/IOS/WorldExplorers_pakchunk1CL_1.manifest", jobs[0].URL)
	assert.Equal(t, manifest.HashSHA256, jobs[0].Hash.Algorithm)
}
