package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/manifest"
)

// MockFetcher is an in-memory Fetcher for tests. It counts calls per
// GUID so dedup can be asserted.
type MockFetcher struct {
	mu    sync.Mutex
	blobs map[manifest.GUID][]byte
	fail  map[manifest.GUID]error
	calls map[manifest.GUID]int
	delay time.Duration
}

// NewMockFetcher constructs an empty MockFetcher.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		blobs: make(map[manifest.GUID][]byte),
		fail:  make(map[manifest.GUID]error),
		calls: make(map[manifest.GUID]int),
	}
}

// AddChunk registers the blob served for guid.
func (m *MockFetcher) AddChunk(guid manifest.GUID, blob []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[guid] = append([]byte(nil), blob...)
}

// FailChunk makes every fetch of guid return err.
func (m *MockFetcher) FailChunk(guid manifest.GUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[guid] = err
}

// SetDelay makes every fetch sleep for d before answering.
func (m *MockFetcher) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many times guid was fetched.
func (m *MockFetcher) Calls(guid manifest.GUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[guid]
}

// TotalCalls returns the number of fetches across all GUIDs.
func (m *MockFetcher) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *MockFetcher) FetchChunk(ctx context.Context, chunk manifest.ChunkDescriptor) ([]byte, error) {
	m.mu.Lock()
	m.calls[chunk.GUID]++
	delay := m.delay
	blob, ok := m.blobs[chunk.GUID]
	failErr := m.fail[chunk.GUID]
	m.mu.Unlock()

	if delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	if failErr != nil {
		return nil, bgerrors.ErrFetchFailed.WithDetail("guid", chunk.GUID.String()).WithCause(failErr)
	}
	if !ok {
		return nil, bgerrors.ErrFetchFailed.WithDetail("guid", chunk.GUID.String()).
			WithCause(fmt.Errorf("mock fetcher: chunk not found: %s", chunk.GUID))
	}
	return blob, nil
}
