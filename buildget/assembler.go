package buildget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/flaneur2020/build-get/buildget/chunk"
	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultAssembleConcurrency bounds the parts processed at once.
const DefaultAssembleConcurrency = 4

// PartialSuffix is appended to the target path while a file is assembled.
const PartialSuffix = ".partial"

// AssembleOptions controls an Assembler.
type AssembleOptions struct {
	Concurrency int
}

// Result describes a reconstructed file.
type Result struct {
	Path string
	Size uint64
	Hash manifest.Hash
}

// Assembler rebuilds files from their chunk manifests.
type Assembler interface {
	// Assemble writes the file described by m to targetPath. On failure no
	// file is left at targetPath and the partial output is removed.
	Assemble(ctx context.Context, m *manifest.Manifest, targetPath string, progress ProgressCallback) (*Result, error)
}

type assembler struct {
	fetcher     storage.Fetcher
	decoder     chunk.Decoder
	concurrency int
}

func NewAssembler(fetcher storage.Fetcher, decoder chunk.Decoder, opts AssembleOptions) Assembler {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultAssembleConcurrency
	}
	return &assembler{
		fetcher:     fetcher,
		decoder:     decoder,
		concurrency: concurrency,
	}
}

// ValidateLayout checks that the parts of m, ordered by output offset,
// cover [0, FileSize) exactly once. Every violation is reported.
func ValidateLayout(m *manifest.Manifest) error {
	parts := sortedParts(m)

	var result *multierror.Error
	var cursor uint64
	for i, p := range parts {
		if p.PartSize > math.MaxUint64-p.OutputOffset {
			result = multierror.Append(result, fmt.Errorf("part %d at %d: size %d overflows", i, p.OutputOffset, p.PartSize))
			continue
		}
		switch {
		case p.OutputOffset > cursor:
			result = multierror.Append(result, fmt.Errorf("gap of %d bytes at %d", p.OutputOffset-cursor, cursor))
		case p.OutputOffset < cursor:
			result = multierror.Append(result, fmt.Errorf("part %d at %d overlaps previous part ending at %d", i, p.OutputOffset, cursor))
		}
		if end := p.End(); end > cursor {
			cursor = end
		}
	}

	switch {
	case cursor < m.FileSize:
		result = multierror.Append(result, fmt.Errorf("parts end at %d, file size is %d", cursor, m.FileSize))
	case cursor > m.FileSize:
		result = multierror.Append(result, fmt.Errorf("parts extend to %d, past file size %d", cursor, m.FileSize))
	}

	if err := result.ErrorOrNil(); err != nil {
		return bgerrors.ErrInvalidPartLayout.WithDetail("file", m.FileName).WithCause(err)
	}
	return nil
}

func sortedParts(m *manifest.Manifest) []manifest.ChunkPart {
	parts := append([]manifest.ChunkPart(nil), m.Parts...)
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].OutputOffset < parts[j].OutputOffset
	})
	return parts
}

func (a *assembler) Assemble(ctx context.Context, m *manifest.Manifest, targetPath string, progress ProgressCallback) (res *Result, err error) {
	if err := ValidateLayout(m); err != nil {
		return nil, err
	}
	if m.FileSize > math.MaxInt64 {
		return nil, bgerrors.ErrInvalidPartLayout.WithMessage("file size too large").WithDetail("file_size", m.FileSize)
	}

	if dir := filepath.Dir(targetPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	partialPath := targetPath + PartialSuffix
	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if out != nil {
			out.Close()
		}
		if err != nil {
			if rmErr := os.Remove(partialPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				logger.Warn("Failed to remove partial file %s: %v", partialPath, rmErr)
			}
		}
	}()

	if err := out.Truncate(int64(m.FileSize)); err != nil {
		return nil, fmt.Errorf("failed to size file: %w", err)
	}

	logger.Info("Assembling %s: %d bytes from %d parts", m.FileName, m.FileSize, len(m.Parts))
	if err := a.writeParts(ctx, m, out, progress); err != nil {
		return nil, err
	}

	hash, err := a.verify(m, out)
	if err != nil {
		return nil, err
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	out = nil
	if err := os.Rename(partialPath, targetPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &Result{Path: targetPath, Size: m.FileSize, Hash: hash}, nil
}

func (a *assembler) writeParts(ctx context.Context, m *manifest.Manifest, out io.WriterAt, progress ProgressCallback) error {
	parts := sortedParts(m)
	chunks := newChunkSet(a.fetcher, a.decoder, m.ChunkRefs())
	tracker := newProgressTracker(int64(m.FileSize), progress)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, p := range parts {
		p := p
		if p.PartSize == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer chunks.release(p.Chunk.GUID)

			decoded, err := chunks.get(gctx, p.Chunk)
			if err != nil {
				return err
			}
			if p.PartOffset > uint64(len(decoded.Data)) || p.PartSize > uint64(len(decoded.Data))-p.PartOffset {
				return bgerrors.ErrIncompleteChunk.WithMessage("chunk shorter than the part it backs").
					WithDetail("guid", p.Chunk.GUID.String()).
					WithDetail("length", len(decoded.Data)).
					WithDetail("part_offset", p.PartOffset).
					WithDetail("part_size", p.PartSize)
			}

			slice := decoded.Data[p.PartOffset : p.PartOffset+p.PartSize]
			if _, err := out.WriteAt(slice, int64(p.OutputOffset)); err != nil {
				return fmt.Errorf("failed to write part at %d: %w", p.OutputOffset, err)
			}
			tracker.add(int64(p.PartSize))
			return nil
		})
	}
	return g.Wait()
}

// verify hashes the finished file. The algorithm is the expected one, or
// SHA1 when the manifest carries no hash.
func (a *assembler) verify(m *manifest.Manifest, f *os.File) (manifest.Hash, error) {
	alg := m.ExpectedHash.Algorithm
	if m.ExpectedHash.IsZero() {
		alg = manifest.HashSHA1
	}
	h, err := alg.NewHasher()
	if err != nil {
		return manifest.Hash{}, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return manifest.Hash{}, fmt.Errorf("failed to rewind file: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return manifest.Hash{}, fmt.Errorf("failed to hash file: %w", err)
	}
	got := manifest.Hash{Algorithm: alg, Sum: h.Sum(nil)}

	if !m.ExpectedHash.IsZero() && !got.Equal(m.ExpectedHash) {
		return manifest.Hash{}, bgerrors.ErrHashMismatch.
			WithDetail("file", m.FileName).
			WithDetail("expected", m.ExpectedHash.String()).
			WithDetail("actual", got.String())
	}
	return got, nil
}

// chunkSet fetches and decodes each distinct chunk of one Assemble call at
// most once, and drops a decoded chunk once its last part is written.
type chunkSet struct {
	fetcher storage.Fetcher
	decoder chunk.Decoder
	group   singleflight.Group

	mu      sync.Mutex
	decoded map[manifest.GUID]*chunk.DecodedChunk
	failed  map[manifest.GUID]error
	refs    map[manifest.GUID]int
}

func newChunkSet(fetcher storage.Fetcher, decoder chunk.Decoder, refs map[manifest.GUID]int) *chunkSet {
	return &chunkSet{
		fetcher: fetcher,
		decoder: decoder,
		decoded: make(map[manifest.GUID]*chunk.DecodedChunk),
		failed:  make(map[manifest.GUID]error),
		refs:    refs,
	}
}

func (s *chunkSet) lookup(guid manifest.GUID) (*chunk.DecodedChunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failed[guid]; ok {
		return nil, true, err
	}
	c, ok := s.decoded[guid]
	return c, ok, nil
}

func (s *chunkSet) get(ctx context.Context, desc manifest.ChunkDescriptor) (*chunk.DecodedChunk, error) {
	if c, ok, err := s.lookup(desc.GUID); ok {
		return c, err
	}

	v, err, _ := s.group.Do(desc.GUID.String(), func() (interface{}, error) {
		// a previous flight for this GUID may have finished already
		if c, ok, err := s.lookup(desc.GUID); ok {
			return c, err
		}

		c, err := s.load(ctx, desc)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.failed[desc.GUID] = err
			return nil, err
		}
		if s.refs[desc.GUID] > 0 {
			s.decoded[desc.GUID] = c
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chunk.DecodedChunk), nil
}

func (s *chunkSet) load(ctx context.Context, desc manifest.ChunkDescriptor) (*chunk.DecodedChunk, error) {
	raw, err := s.fetcher.FetchChunk(ctx, desc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, bgerrors.ErrFetchFailed) {
			return nil, err
		}
		return nil, bgerrors.ErrFetchFailed.WithDetail("guid", desc.GUID.String()).WithCause(err)
	}
	logger.Debug("Fetched chunk %s (%d bytes)", desc.GUID, len(raw))
	c, err := s.decoder.Decode(raw)
	if err != nil {
		// a bad blob must not be served again from a local copy
		if inv, ok := s.fetcher.(storage.Invalidator); ok {
			if invErr := inv.Invalidate(desc.GUID); invErr != nil {
				logger.Warn("Failed to invalidate chunk %s: %v", desc.GUID, invErr)
			}
		}
		return nil, err
	}
	return c, nil
}

func (s *chunkSet) release(guid manifest.GUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[guid]--
	if s.refs[guid] <= 0 {
		delete(s.decoded, guid)
		delete(s.refs, guid)
	}
}

// progressTracker serializes progress callbacks from concurrent parts.
type progressTracker struct {
	mu       sync.Mutex
	current  int64
	total    int64
	callback ProgressCallback
}

func newProgressTracker(total int64, callback ProgressCallback) *progressTracker {
	t := &progressTracker{total: total, callback: callback}
	if callback != nil {
		callback(0, total)
	}
	return t
}

func (t *progressTracker) add(n int64) {
	if t.callback == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current += n
	t.callback(t.current, t.total)
}
