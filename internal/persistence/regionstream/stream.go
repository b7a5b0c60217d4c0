// Package regionstream stores blocks in a directory of region files, one
// file per region and LOD, next to a meta.json holding the shared settings.
package regionstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/filelock"
	"voxelstream.ai/internal/persistence/region"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/voxel"
)

const DefaultMaxOpenRegions = 8

// ErrRegionCorrupted is returned when saving into a region that failed to
// open or decode. The file is left as is.
var ErrRegionCorrupted = errors.New("regionstream: region file corrupted")

type Options struct {
	// Meta is written when the directory has no meta.json yet. An existing
	// meta.json always wins.
	Meta           Meta
	MaxOpenRegions int
	Logger         zerolog.Logger
	Metrics        *metrics.Streaming
	Locks          *filelock.Registry
	Buffers        *voxel.Pool
}

type regionKey struct {
	pos mathx.Vec3i
	lod uint8
}

type handle struct {
	key     regionKey
	path    string
	file    *region.File
	refs    int
	evicted bool
}

type Stream struct {
	dir     string
	meta    Meta
	depths  [voxel.ChannelCount]voxel.Depth
	log     zerolog.Logger
	metrics *metrics.Streaming
	locks   *filelock.Registry
	buffers *voxel.Pool

	mu       sync.Mutex
	cache    *lru.Cache[regionKey, *handle]
	draining map[regionKey]*handle
	corrupt  map[regionKey]error
	closed   bool
}

var _ stream.Stream = (*Stream)(nil)
var _ stream.Batcher = (*Stream)(nil)
var _ stream.DepthProvider = (*Stream)(nil)

// Open opens or creates the stream rooted at dir.
func Open(dir string, opts Options) (*Stream, error) {
	if opts.MaxOpenRegions <= 0 {
		opts.MaxOpenRegions = DefaultMaxOpenRegions
	}
	if opts.Locks == nil {
		opts.Locks = filelock.Default
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Stream{
		dir:      dir,
		log:      opts.Logger.With().Str("component", "regionstream").Str("dir", dir).Logger(),
		metrics:  opts.Metrics,
		locks:    opts.Locks,
		buffers:  opts.Buffers,
		draining: map[regionKey]*handle{},
		corrupt:  map[regionKey]error{},
	}

	metaPath := filepath.Join(dir, MetaFileName)
	unlock := s.locks.Lock(metaPath)
	exists, err := metaExists(dir)
	if err == nil {
		if exists {
			s.meta, err = readMeta(dir)
		} else {
			s.meta = opts.Meta
			if s.meta.Version == 0 {
				s.meta = DefaultMeta()
			}
			err = writeMeta(dir, s.meta)
		}
	}
	unlock()
	if err != nil {
		return nil, err
	}
	if exists && opts.Meta.Version != 0 && !opts.Meta.SameLayout(s.meta) {
		s.log.Info().Msg("existing meta.json differs from requested settings; keeping the existing one")
	}
	s.depths, _ = s.meta.Depths()

	s.cache, err = lru.NewWithEvict[regionKey, *handle](opts.MaxOpenRegions, s.onEvict)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) Dir() string { return s.dir }

func (s *Stream) Meta() Meta { return s.meta }

func (s *Stream) UsedChannels() voxel.ChannelMask { return voxel.AllChannels }

func (s *Stream) BlockSizePo2() uint { return uint(s.meta.BlockSizePo2) }

func (s *Stream) LODCount() int { return s.meta.LODCount }

func (s *Stream) ChannelDepths() [voxel.ChannelCount]voxel.Depth { return s.depths }

// RegionPath is where the region holding region coordinate pos lives.
func (s *Stream) RegionPath(pos mathx.Vec3i, lod uint8) string {
	return RegionPath(s.dir, pos, lod)
}

func RegionPath(dir string, pos mathx.Vec3i, lod uint8) string {
	name := fmt.Sprintf("r.%d.%d.%d.%s", pos.X, pos.Y, pos.Z, region.FileExtension)
	return filepath.Join(dir, "regions", "lod"+strconv.Itoa(int(lod)), name)
}

// Regions lists the region coordinates present on disk for one LOD.
func (s *Stream) Regions(lod uint8) ([]mathx.Vec3i, error) {
	lodDir := filepath.Join(s.dir, "regions", "lod"+strconv.Itoa(int(lod)))
	entries, err := os.ReadDir(lodDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []mathx.Vec3i
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, ok := parseRegionName(e.Name())
		if !ok {
			s.log.Warn().Str("file", e.Name()).Msg("ignoring unexpected file in region directory")
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func parseRegionName(name string) (mathx.Vec3i, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 5 || parts[0] != "r" || parts[4] != region.FileExtension {
		return mathx.Vec3i{}, false
	}
	var v [3]int
	for i := range v {
		n, err := strconv.Atoi(parts[i+1])
		if err != nil {
			return mathx.Vec3i{}, false
		}
		v[i] = n
	}
	return mathx.V3(v[0], v[1], v[2]), true
}

func (s *Stream) split(pos mathx.Vec3i) (regionPos, local mathx.Vec3i) {
	regionPos = voxel.BlockToRegion(pos, uint(s.meta.RegionSizePo2))
	return regionPos, pos.Sub(regionPos.Shl(uint(s.meta.RegionSizePo2)))
}

func (s *Stream) check(lod uint8, buf *voxel.Buffer) error {
	if int(lod) >= s.meta.LODCount {
		return fmt.Errorf("%w: lod %d, stream has %d", stream.ErrIncompatibleMeta, lod, s.meta.LODCount)
	}
	if want := mathx.Splat(1 << s.meta.BlockSizePo2); buf.Size() != want {
		return fmt.Errorf("%w: block size %v, stream uses %v", stream.ErrIncompatibleMeta, buf.Size(), want)
	}
	return nil
}

// onEvict runs with s.mu held. Handles still in use are closed by their
// last release.
func (s *Stream) onEvict(_ regionKey, h *handle) {
	h.evicted = true
	if h.refs == 0 {
		s.closeHandle(h)
	} else {
		s.draining[h.key] = h
	}
}

// closeHandle runs with s.mu held, so no other handle on the same file can
// be opened before the header is written back.
func (s *Stream) closeHandle(h *handle) {
	if err := h.file.Close(); err != nil {
		s.log.Error().Err(err).Str("region", h.path).Msg("close region")
	}
}

// acquire returns a referenced handle on the region, or nil when the file
// does not exist and create is false.
func (s *Stream) acquire(key regionKey, create bool) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, stream.ErrClosed
	}
	if err, bad := s.corrupt[key]; bad {
		return nil, err
	}
	if h, ok := s.cache.Get(key); ok {
		h.refs++
		s.metrics.RegionCacheLookup(true)
		return h, nil
	}
	s.metrics.RegionCacheLookup(false)
	if h, ok := s.draining[key]; ok {
		delete(s.draining, key)
		h.evicted = false
		h.refs++
		s.cache.Add(key, h)
		return h, nil
	}

	path := RegionPath(s.dir, key.pos, key.lod)
	f, err := region.Open(path, region.Options{Create: create, Format: s.meta.RegionFormat()})
	if errors.Is(err, os.ErrNotExist) && !create {
		return nil, nil
	}
	if err != nil {
		if isCorruption(err) {
			return nil, s.markCorruptLocked(key, path, err)
		}
		return nil, err
	}
	if got := f.Format(); !formatMatches(got, s.meta.RegionFormat()) {
		_ = f.Close()
		return nil, s.markCorruptLocked(key, path, fmt.Errorf("%w: unexpected region format", region.ErrFormatMismatch))
	}
	h := &handle{key: key, path: path, file: f, refs: 1}
	s.cache.Add(key, h)
	return h, nil
}

func (s *Stream) release(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.evicted {
		delete(s.draining, h.key)
		s.closeHandle(h)
	}
}

func isCorruption(err error) bool {
	return errors.Is(err, region.ErrBadMagic) ||
		errors.Is(err, region.ErrUnsupportedVersion) ||
		errors.Is(err, region.ErrCorrupted) ||
		errors.Is(err, region.ErrFormatMismatch)
}

func formatMatches(a, b region.Format) bool {
	return a.BlockSizePo2 == b.BlockSizePo2 &&
		a.RegionSize == b.RegionSize &&
		a.SectorSize == b.SectorSize &&
		a.ChannelDepths == b.ChannelDepths
}

// markCorruptLocked records the region as unusable and logs it once.
func (s *Stream) markCorruptLocked(key regionKey, path string, cause error) error {
	err := fmt.Errorf("%w: %s: %v", ErrRegionCorrupted, path, cause)
	if _, seen := s.corrupt[key]; !seen {
		s.corrupt[key] = err
		s.metrics.RegionCorrupted()
		s.log.Error().Err(cause).Str("region", path).Int("lod", int(key.lod)).Msg("region file corrupted, treating it as empty")
	}
	return err
}

func (s *Stream) markCorrupt(h *handle, cause error) {
	s.mu.Lock()
	_ = s.markCorruptLocked(h.key, h.path, cause)
	if _, ok := s.cache.Peek(h.key); ok {
		s.cache.Remove(h.key)
	}
	s.mu.Unlock()
}

// LoadBlock reads one block. Corrupted regions read as empty.
func (s *Stream) LoadBlock(ctx context.Context, pos mathx.Vec3i, lod uint8, out *voxel.Buffer) (stream.Result, error) {
	qs := []stream.Query{{Pos: pos, LOD: lod, Voxels: out}}
	if err := s.LoadBlocks(ctx, qs); err != nil {
		return stream.ResultNotFound, err
	}
	return qs[0].Result, nil
}

func (s *Stream) SaveBlock(ctx context.Context, pos mathx.Vec3i, lod uint8, buf *voxel.Buffer) error {
	return s.SaveBlocks(ctx, []stream.Query{{Pos: pos, LOD: lod, Voxels: buf}})
}

// groupByRegion returns query indices sorted so that queries of the same
// region are adjacent.
func (s *Stream) groupByRegion(qs []stream.Query) []int {
	idx := make([]int, len(qs))
	keys := make([]regionKey, len(qs))
	for i, q := range qs {
		idx[i] = i
		rp, _ := s.split(q.Pos)
		keys[i] = regionKey{rp, q.LOD}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.lod != kb.lod {
			return ka.lod < kb.lod
		}
		return ka.pos.Less(kb.pos)
	})
	return idx
}

func (s *Stream) LoadBlocks(ctx context.Context, qs []stream.Query) error {
	start := time.Now()
	defer func() { s.metrics.ObserveOp("region_load", time.Since(start)) }()

	for i := range qs {
		qs[i].Result = stream.ResultNotFound
		if err := s.check(qs[i].LOD, qs[i].Voxels); err != nil {
			return err
		}
	}
	order := s.groupByRegion(qs)
	for g := 0; g < len(order); {
		if err := ctx.Err(); err != nil {
			return err
		}
		first := &qs[order[g]]
		rp, _ := s.split(first.Pos)
		key := regionKey{rp, first.LOD}
		end := g + 1
		for end < len(order) {
			q := qs[order[end]]
			if p, _ := s.split(q.Pos); p != rp || q.LOD != key.lod {
				break
			}
			end++
		}
		if err := s.loadGroup(key, qs, order[g:end]); err != nil {
			return err
		}
		g = end
	}
	return nil
}

func (s *Stream) loadGroup(key regionKey, qs []stream.Query, group []int) error {
	h, err := s.acquire(key, false)
	if errors.Is(err, ErrRegionCorrupted) {
		return nil
	}
	if err != nil || h == nil {
		return err
	}
	defer s.release(h)

	unlock := s.locks.RLock(h.path)
	for _, i := range group {
		q := &qs[i]
		_, local := s.split(q.Pos)
		err := h.file.LoadBlock(local, q.Voxels)
		switch {
		case err == nil:
			q.Result = stream.ResultFound
		case errors.Is(err, region.ErrNotFound):
		case errors.Is(err, region.ErrCorrupted):
			unlock()
			s.markCorrupt(h, err)
			for _, j := range group {
				qs[j].Result = stream.ResultNotFound
			}
			return nil
		default:
			unlock()
			return fmt.Errorf("regionstream: load %v lod %d: %w", q.Pos, q.LOD, err)
		}
	}
	unlock()
	return nil
}

func (s *Stream) SaveBlocks(ctx context.Context, qs []stream.Query) error {
	start := time.Now()
	defer func() { s.metrics.ObserveOp("region_save", time.Since(start)) }()

	for i := range qs {
		if err := s.check(qs[i].LOD, qs[i].Voxels); err != nil {
			return err
		}
	}
	order := s.groupByRegion(qs)
	for g := 0; g < len(order); {
		if err := ctx.Err(); err != nil {
			return err
		}
		first := qs[order[g]]
		rp, _ := s.split(first.Pos)
		key := regionKey{rp, first.LOD}
		end := g + 1
		for end < len(order) {
			q := qs[order[end]]
			if p, _ := s.split(q.Pos); p != rp || q.LOD != key.lod {
				break
			}
			end++
		}
		if err := s.saveGroup(key, qs, order[g:end]); err != nil {
			return err
		}
		g = end
	}
	return nil
}

func (s *Stream) saveGroup(key regionKey, qs []stream.Query, group []int) error {
	h, err := s.acquire(key, true)
	if err != nil {
		return err
	}
	defer s.release(h)

	unlock := s.locks.Lock(h.path)
	defer unlock()
	for _, i := range group {
		q := qs[i]
		_, local := s.split(q.Pos)
		buf := stream.ConvertDepths(q.Voxels, s.depths, s.buffers)
		err := h.file.SaveBlock(local, buf)
		if buf != q.Voxels {
			buf.Release()
		}
		if err != nil {
			return fmt.Errorf("regionstream: save %v lod %d: %w", q.Pos, q.LOD, err)
		}
	}
	return nil
}

// openHandles references every open handle so they can be worked on
// outside s.mu.
func (s *Stream) openHandles() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hs []*handle
	for _, k := range s.cache.Keys() {
		if h, ok := s.cache.Peek(k); ok {
			h.refs++
			hs = append(hs, h)
		}
	}
	for _, h := range s.draining {
		h.refs++
		hs = append(hs, h)
	}
	return hs
}

// Flush writes pending region headers and syncs the files.
func (s *Stream) Flush(ctx context.Context) error {
	var errs []error
	for _, h := range s.openHandles() {
		if ctx.Err() == nil {
			unlock := s.locks.Lock(h.path)
			if err := h.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.path, err))
			}
			unlock()
		}
		s.release(h)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close flushes and closes every region. Handles still referenced by an
// in-progress call are closed when that call returns.
func (s *Stream) Close() error {
	err := s.Flush(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.cache.Purge()
	s.mu.Unlock()
	return err
}

// Inspect opens a region file read-only with the stream's format, for
// tools. The caller closes it.
func (s *Stream) Inspect(pos mathx.Vec3i, lod uint8) (*region.File, error) {
	return region.Open(s.RegionPath(pos, lod), region.Options{ReadOnly: true, Format: s.meta.RegionFormat()})
}
