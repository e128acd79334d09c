package storage

import (
	"context"

	"github.com/flaneur2020/build-get/buildget/manifest"
)

// Fetcher retrieves the raw blob of one chunk. Implementations must be
// safe for concurrent use.
type Fetcher interface {
	FetchChunk(ctx context.Context, chunk manifest.ChunkDescriptor) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, chunk manifest.ChunkDescriptor) ([]byte, error)

func (f FetcherFunc) FetchChunk(ctx context.Context, chunk manifest.ChunkDescriptor) ([]byte, error) {
	return f(ctx, chunk)
}

// Invalidator is implemented by fetchers that keep blobs locally. Callers
// invalidate a GUID whose blob failed to decode so the next fetch goes
// upstream again.
type Invalidator interface {
	Invalidate(guid manifest.GUID) error
}
