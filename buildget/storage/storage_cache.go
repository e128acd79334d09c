package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	bolt "go.etcd.io/bbolt"
)

var (
	blobsBucket = []byte("blobs")
	metaBucket  = []byte("meta")
)

// CacheEntry is the metadata kept next to a cached chunk blob.
type CacheEntry struct {
	GUID     manifest.GUID `json:"-"`
	Hash     uint64        `json:"hash"`
	Group    uint8         `json:"group"`
	Size     int           `json:"size"`
	StoredAt time.Time     `json:"stored_at"`
}

// Descriptor rebuilds the chunk descriptor of a cached blob.
func (e CacheEntry) Descriptor() manifest.ChunkDescriptor {
	return manifest.ChunkDescriptor{GUID: e.GUID, Hash: e.Hash, Group: e.Group}
}

// ChunkCache stores raw chunk blobs keyed by GUID in a bbolt database.
type ChunkCache struct {
	db *bolt.DB
}

// OpenChunkCache opens or creates the cache database at path.
func OpenChunkCache(path string) (*ChunkCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open chunk cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &ChunkCache{db: db}, nil
}

// Get returns a copy of the cached blob, or ok=false when it is absent.
func (c *ChunkCache) Get(guid manifest.GUID) (data []byte, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get(guid[:])
		if v == nil {
			return nil
		}
		data = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return data, ok, err
}

// Has reports whether guid is cached.
func (c *ChunkCache) Has(guid manifest.GUID) (bool, error) {
	var ok bool
	err := c.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(blobsBucket).Get(guid[:]) != nil
		return nil
	})
	return ok, err
}

// Put stores the blob of chunk, replacing any earlier copy.
func (c *ChunkCache) Put(chunk manifest.ChunkDescriptor, data []byte) error {
	entry := CacheEntry{
		Hash:     chunk.Hash,
		Group:    chunk.Group,
		Size:     len(data),
		StoredAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobsBucket).Put(chunk.GUID[:], data); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(chunk.GUID[:], encoded)
	})
}

// Entry returns the metadata of a cached chunk.
func (c *ChunkCache) Entry(guid manifest.GUID) (entry CacheEntry, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(guid[:])
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		entry.GUID = guid
		ok = true
		return nil
	})
	return entry, ok, err
}

// Entries lists every cached chunk in GUID order.
func (c *ChunkCache) Entries() ([]CacheEntry, error) {
	var entries []CacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			var entry CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			copy(entry.GUID[:], k)
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// Keys lists the GUIDs of every cached chunk in GUID order.
func (c *ChunkCache) Keys() ([]manifest.GUID, error) {
	var keys []manifest.GUID
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blobsBucket).ForEach(func(k, _ []byte) error {
			var g manifest.GUID
			copy(g[:], k)
			keys = append(keys, g)
			return nil
		})
	})
	return keys, err
}

// Delete drops a cached chunk and its metadata. Deleting a missing GUID is
// not an error.
func (c *ChunkCache) Delete(guid manifest.GUID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobsBucket).Delete(guid[:]); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete(guid[:])
	})
}

func (c *ChunkCache) Close() error {
	return c.db.Close()
}

// CacheFetcher reads chunks through a ChunkCache and stores whatever the
// upstream fetcher returns on a miss.
type CacheFetcher struct {
	cache    *ChunkCache
	upstream Fetcher
}

func NewCacheFetcher(cache *ChunkCache, upstream Fetcher) *CacheFetcher {
	return &CacheFetcher{cache: cache, upstream: upstream}
}

func (f *CacheFetcher) FetchChunk(ctx context.Context, chunk manifest.ChunkDescriptor) ([]byte, error) {
	data, ok, err := f.cache.Get(chunk.GUID)
	if err != nil {
		logger.Warn("Chunk cache read failed for %s: %v", chunk.GUID, err)
	}
	if ok && (chunk.Size == 0 || uint64(len(data)) == chunk.Size) {
		logger.Debug("Chunk %s served from cache", chunk.GUID)
		return data, nil
	}

	data, err = f.upstream.FetchChunk(ctx, chunk)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Put(chunk, data); err != nil {
		logger.Warn("Failed to cache chunk %s: %v", chunk.GUID, err)
	}
	return data, nil
}

// Invalidate evicts guid from the cache.
func (f *CacheFetcher) Invalidate(guid manifest.GUID) error {
	logger.Debug("Evicting chunk %s from cache", guid)
	return f.cache.Delete(guid)
}
