package storage

import (
	"context"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
)

// HTTPFetcher fetches chunk blobs from a CDN laid out by Layout.
type HTTPFetcher struct {
	client *Client
	layout ChunkLayout
}

func NewHTTPFetcher(client *Client, layout ChunkLayout) *HTTPFetcher {
	return &HTTPFetcher{client: client, layout: layout}
}

func (f *HTTPFetcher) FetchChunk(ctx context.Context, chunk manifest.ChunkDescriptor) ([]byte, error) {
	url := f.layout.ChunkURL(chunk)
	logger.Debug("Fetching chunk %s from %s", chunk.GUID, url)

	data, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, bgerrors.ErrFetchFailed.
			WithDetail("guid", chunk.GUID.String()).
			WithDetail("url", url).
			WithCause(err)
	}
	if chunk.Size > 0 && uint64(len(data)) < chunk.Offset+chunk.Size {
		return nil, bgerrors.ErrFetchFailed.WithMessage("chunk response shorter than its descriptor").
			WithDetail("guid", chunk.GUID.String()).
			WithDetail("length", len(data)).
			WithDetail("want", chunk.Offset+chunk.Size)
	}
	if chunk.Size > 0 {
		data = data[chunk.Offset : chunk.Offset+chunk.Size]
	}
	return data, nil
}
