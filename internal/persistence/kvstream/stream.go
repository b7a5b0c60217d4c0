// Package kvstream stores blocks in an embedded badger key-value store.
package kvstream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/blockcodec"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/voxel"
)

const (
	MetaVersion = 1

	blockPrefix = 'b'
	blockKeyLen = 1 + 1 + 3*4
)

var metaKey = []byte("meta")

type Meta struct {
	Version       int                     `json:"version"`
	BlockSizePo2  uint                    `json:"block_size_po2"`
	LODCount      int                     `json:"lod_count"`
	ChannelDepths [voxel.ChannelCount]int `json:"channel_depths"`
}

func DefaultMeta() Meta {
	return MetaFor(4, 1, voxel.DefaultFormat().Depths)
}

func MetaFor(blockPo2 uint, lodCount int, depths [voxel.ChannelCount]voxel.Depth) Meta {
	m := Meta{Version: MetaVersion, BlockSizePo2: blockPo2, LODCount: lodCount}
	for i, d := range depths {
		m.ChannelDepths[i] = d.Bits()
	}
	return m
}

func (m Meta) Depths() ([voxel.ChannelCount]voxel.Depth, error) {
	var out [voxel.ChannelCount]voxel.Depth
	for i, bits := range m.ChannelDepths {
		d, err := voxel.DepthFromBits(bits)
		if err != nil {
			return out, fmt.Errorf("channel %s: %w", voxel.Channel(i), err)
		}
		out[i] = d
	}
	return out, nil
}

func (m Meta) Validate() error {
	if m.Version != MetaVersion {
		return fmt.Errorf("version %d, want %d", m.Version, MetaVersion)
	}
	if m.BlockSizePo2 < 1 || m.BlockSizePo2 > 8 {
		return fmt.Errorf("block_size_po2 %d out of range [1, 8]", m.BlockSizePo2)
	}
	if m.LODCount < 1 || m.LODCount > 32 {
		return fmt.Errorf("lod_count %d out of range [1, 32]", m.LODCount)
	}
	_, err := m.Depths()
	return err
}

type Options struct {
	// Meta is stored when the database is new. A stored meta always wins.
	Meta    Meta
	Logger  zerolog.Logger
	Metrics *metrics.Streaming
	Buffers *voxel.Pool
}

type Stream struct {
	db      *badger.DB
	gc      *gcRunner
	meta    Meta
	depths  [voxel.ChannelCount]voxel.Depth
	log     zerolog.Logger
	metrics *metrics.Streaming
	buffers *voxel.Pool

	mu     sync.RWMutex
	closed bool
}

var _ stream.Stream = (*Stream)(nil)
var _ stream.Batcher = (*Stream)(nil)
var _ stream.DepthProvider = (*Stream)(nil)

func Open(cfg Config, opts Options) (*Stream, error) {
	log := opts.Logger.With().Str("component", "kvstream").Logger()
	db, err := openDB(cfg, log)
	if err != nil {
		return nil, err
	}
	s := &Stream{db: db, log: log, metrics: opts.Metrics, buffers: opts.Buffers}
	if err := s.initMeta(opts.Meta); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, log)
	}
	return s, nil
}

func (s *Stream) initMeta(want Meta) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if want.Version == 0 {
				want = DefaultMeta()
			}
			if err := want.Validate(); err != nil {
				return fmt.Errorf("kvstream meta: %w", err)
			}
			data, err := json.Marshal(want)
			if err != nil {
				return err
			}
			s.meta = want
			if err := txn.Set(metaKey, data); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &s.meta) }); err != nil {
				return fmt.Errorf("kvstream meta: %w", err)
			}
			if err := s.meta.Validate(); err != nil {
				return fmt.Errorf("%w: kvstream meta: %v", stream.ErrIncompatibleMeta, err)
			}
		}
		s.depths, _ = s.meta.Depths()
		return nil
	})
}

// BlockKey is 'b', the LOD, then each coordinate as a big-endian uint32
// biased by 2^31, so that keys of one LOD sort by X, then Y, then Z.
func BlockKey(pos mathx.Vec3i, lod uint8) []byte {
	k := make([]byte, blockKeyLen)
	k[0] = blockPrefix
	k[1] = lod
	binary.BigEndian.PutUint32(k[2:], uint32(int32(pos.X))^0x80000000)
	binary.BigEndian.PutUint32(k[6:], uint32(int32(pos.Y))^0x80000000)
	binary.BigEndian.PutUint32(k[10:], uint32(int32(pos.Z))^0x80000000)
	return k
}

func ParseBlockKey(k []byte) (mathx.Vec3i, uint8, bool) {
	if len(k) != blockKeyLen || k[0] != blockPrefix {
		return mathx.Vec3i{}, 0, false
	}
	coord := func(b []byte) int { return int(int32(binary.BigEndian.Uint32(b) ^ 0x80000000)) }
	return mathx.V3(coord(k[2:]), coord(k[6:]), coord(k[10:])), k[1], true
}

func (s *Stream) Meta() Meta { return s.meta }

func (s *Stream) UsedChannels() voxel.ChannelMask { return voxel.AllChannels }

func (s *Stream) BlockSizePo2() uint { return s.meta.BlockSizePo2 }

func (s *Stream) LODCount() int { return s.meta.LODCount }

func (s *Stream) ChannelDepths() [voxel.ChannelCount]voxel.Depth { return s.depths }

func (s *Stream) check(lod uint8, buf *voxel.Buffer) error {
	if int(lod) >= s.meta.LODCount {
		return fmt.Errorf("%w: lod %d, stream has %d", stream.ErrIncompatibleMeta, lod, s.meta.LODCount)
	}
	if want := mathx.Splat(1 << s.meta.BlockSizePo2); buf.Size() != want {
		return fmt.Errorf("%w: block size %v, stream uses %v", stream.ErrIncompatibleMeta, buf.Size(), want)
	}
	return nil
}

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

// LoadBlocks reads every query from one consistent view.
func (s *Stream) LoadBlocks(ctx context.Context, qs []stream.Query) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	start := time.Now()
	defer func() { s.metrics.ObserveOp("kv_load", time.Since(start)) }()

	for i := range qs {
		qs[i].Result = stream.ResultNotFound
		if err := s.check(qs[i].LOD, qs[i].Voxels); err != nil {
			return err
		}
	}
	return s.db.View(func(txn *badger.Txn) error {
		for i := range qs {
			if err := ctx.Err(); err != nil {
				return err
			}
			q := &qs[i]
			item, err := txn.Get(BlockKey(q.Pos, q.LOD))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("kvstream: load %v lod %d: %w", q.Pos, q.LOD, err)
			}
			if err := item.Value(func(v []byte) error { return blockcodec.Decode(v, q.Voxels) }); err != nil {
				return fmt.Errorf("kvstream: block %v lod %d: %w", q.Pos, q.LOD, err)
			}
			q.Result = stream.ResultFound
		}
		return nil
	})
}

// SaveBlocks goes through a write batch, which splits into as many
// transactions as badger needs.
func (s *Stream) SaveBlocks(ctx context.Context, qs []stream.Query) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	start := time.Now()
	defer func() { s.metrics.ObserveOp("kv_save", time.Since(start)) }()

	for _, q := range qs {
		if err := s.check(q.LOD, q.Voxels); err != nil {
			return err
		}
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, q := range qs {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := stream.ConvertDepths(q.Voxels, s.depths, s.buffers)
		data := blockcodec.Encode(buf)
		if buf != q.Voxels {
			buf.Release()
		}
		if err := wb.Set(BlockKey(q.Pos, q.LOD), data); err != nil {
			return fmt.Errorf("kvstream: save %v lod %d: %w", q.Pos, q.LOD, err)
		}
	}
	return wb.Flush()
}

// ForEachKey visits stored blocks in key order without reading values.
func (s *Stream) ForEachKey(ctx context.Context, fn func(pos mathx.Vec3i, lod uint8) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: []byte{blockPrefix}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			pos, lod, ok := ParseBlockKey(it.Item().Key())
			if !ok {
				continue
			}
			if err := fn(pos, lod); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush syncs the value log and memtables to disk.
func (s *Stream) Flush(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

// CollectGarbage runs value-log GC once, returning how many files were
// rewritten.
func (s *Stream) CollectGarbage(ratio float64) int {
	if s.db.Opts().InMemory {
		return 0
	}
	r := gcRunner{db: s.db, ratio: ratio, log: s.log}
	return r.collect()
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.Stop()
	}
	return s.db.Close()
}
