// Package sqlitestream stores blocks as rows of a single SQLite database.
package sqlitestream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/blockcodec"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/voxel"
)

const (
	// Version 0 databases predate the coordinate_format column and always
	// use FormatX16Y16Z16L16.
	versionV0     = 0
	VersionLatest = 1

	DefaultBlockSizePo2 = 4
	DefaultLODCount     = 24
)

type Options struct {
	// BlockSizePo2, Depths and CoordinateFormat apply to new databases
	// only. Existing databases keep the values they were created with.
	BlockSizePo2     uint
	Depths           *[voxel.ChannelCount]voxel.Depth
	CoordinateFormat *CoordinateFormat
	LODCount         int
	Logger           zerolog.Logger
	Metrics          *metrics.Streaming
	Buffers          *voxel.Pool
}

type Meta struct {
	Version          int
	BlockSizePo2     uint
	CoordinateFormat CoordinateFormat
	Depths           [voxel.ChannelCount]voxel.Depth
}

type Stream struct {
	path    string
	db      *sql.DB
	meta    Meta
	lods    int
	log     zerolog.Logger
	metrics *metrics.Streaming
	buffers *voxel.Pool

	mu     sync.RWMutex
	closed bool
}

var _ stream.Stream = (*Stream)(nil)
var _ stream.Batcher = (*Stream)(nil)
var _ stream.DepthProvider = (*Stream)(nil)

func Open(path string, opts Options) (*Stream, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Stream{
		path:    path,
		db:      db,
		log:     opts.Logger.With().Str("component", "sqlitestream").Str("path", path).Logger(),
		metrics: opts.Metrics,
		buffers: opts.Buffers,
	}
	meta, found, err := loadMeta(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !found {
		meta = Meta{
			Version:          VersionLatest,
			BlockSizePo2:     opts.BlockSizePo2,
			CoordinateFormat: DefaultCoordinateFormat,
			Depths:           voxel.DefaultFormat().Depths,
		}
		if meta.BlockSizePo2 == 0 {
			meta.BlockSizePo2 = DefaultBlockSizePo2
		}
		if opts.CoordinateFormat != nil {
			meta.CoordinateFormat = *opts.CoordinateFormat
		}
		if opts.Depths != nil {
			meta.Depths = *opts.Depths
		}
		if err := saveMeta(db, meta); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if opts.CoordinateFormat != nil && *opts.CoordinateFormat != meta.CoordinateFormat {
		s.log.Info().Stringer("stored", meta.CoordinateFormat).Stringer("requested", *opts.CoordinateFormat).
			Msg("database keeps its coordinate format")
	}
	if meta.Version > VersionLatest {
		_ = db.Close()
		return nil, fmt.Errorf("%w: database version %d is newer than %d", stream.ErrIncompatibleMeta, meta.Version, VersionLatest)
	}
	if !meta.CoordinateFormat.Valid() {
		_ = db.Close()
		return nil, fmt.Errorf("%w: coordinate format %d", stream.ErrIncompatibleMeta, int(meta.CoordinateFormat))
	}
	s.meta = meta
	s.lods = opts.LODCount
	if s.lods <= 0 {
		s.lods = DefaultLODCount
	}
	s.lods = mathx.MinInt(s.lods, meta.CoordinateFormat.MaxLOD())
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			version INTEGER,
			block_size_po2 INTEGER,
			coordinate_format INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			idx INTEGER PRIMARY KEY,
			depth INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS blocks (
			loc INTEGER PRIMARY KEY,
			vb BLOB
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func loadMeta(db *sql.DB) (Meta, bool, error) {
	var m Meta
	var format sql.NullInt64
	err := db.QueryRow(`SELECT version, block_size_po2, coordinate_format FROM meta LIMIT 1`).
		Scan(&m.Version, &m.BlockSizePo2, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	if m.Version == versionV0 || !format.Valid {
		m.CoordinateFormat = FormatX16Y16Z16L16
	} else {
		m.CoordinateFormat = CoordinateFormat(format.Int64)
	}

	m.Depths = voxel.DefaultFormat().Depths
	rows, err := db.Query(`SELECT idx, depth FROM channels`)
	if err != nil {
		return m, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var idx, depth int
		if err := rows.Scan(&idx, &depth); err != nil {
			return m, false, err
		}
		if idx < 0 || idx >= voxel.ChannelCount || !voxel.Depth(depth).Valid() {
			return m, false, fmt.Errorf("%w: channel %d depth %d", stream.ErrIncompatibleMeta, idx, depth)
		}
		m.Depths[idx] = voxel.Depth(depth)
	}
	return m, true, rows.Err()
}

func saveMeta(db *sql.DB, m Meta) error {
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM meta`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO meta(version, block_size_po2, coordinate_format) VALUES(?,?,?)`,
		m.Version, m.BlockSizePo2, int(m.CoordinateFormat)); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO channels(idx, depth) VALUES(?,?) ON CONFLICT(idx) DO UPDATE SET depth=excluded.depth`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, d := range m.Depths {
		if _, err := stmt.Exec(i, int(d)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Stream) Meta() Meta { return s.meta }

func (s *Stream) UsedChannels() voxel.ChannelMask { return voxel.AllChannels }

func (s *Stream) BlockSizePo2() uint { return s.meta.BlockSizePo2 }

func (s *Stream) LODCount() int { return s.lods }

func (s *Stream) ChannelDepths() [voxel.ChannelCount]voxel.Depth { return s.meta.Depths }

func (s *Stream) check(pos mathx.Vec3i, lod uint8, buf *voxel.Buffer) (int64, error) {
	if int(lod) >= s.lods {
		return 0, fmt.Errorf("%w: lod %d, stream has %d", stream.ErrIncompatibleMeta, lod, s.lods)
	}
	if want := mathx.Splat(1 << s.meta.BlockSizePo2); buf.Size() != want {
		return 0, fmt.Errorf("%w: block size %v, stream uses %v", stream.ErrIncompatibleMeta, buf.Size(), want)
	}
	loc, err := s.meta.CoordinateFormat.Encode(pos, lod)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", stream.ErrIncompatibleMeta, err)
	}
	return loc, nil
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

func (s *Stream) LoadBlocks(ctx context.Context, qs []stream.Query) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	start := time.Now()
	defer func() { s.metrics.ObserveOp("sqlite_load", time.Since(start)) }()

	stmt, err := s.db.PrepareContext(ctx, `SELECT vb FROM blocks WHERE loc=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range qs {
		q := &qs[i]
		q.Result = stream.ResultNotFound
		loc, err := s.check(q.Pos, q.LOD, q.Voxels)
		if err != nil {
			return err
		}
		var vb []byte
		err = stmt.QueryRowContext(ctx, loc).Scan(&vb)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && vb == nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sqlitestream: load %v lod %d: %w", q.Pos, q.LOD, err)
		}
		if err := blockcodec.Decode(vb, q.Voxels); err != nil {
			return fmt.Errorf("sqlitestream: block %v lod %d: %w", q.Pos, q.LOD, err)
		}
		q.Result = stream.ResultFound
	}
	return nil
}

// SaveBlocks writes every query in one transaction.
func (s *Stream) SaveBlocks(ctx context.Context, qs []stream.Query) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	start := time.Now()
	defer func() { s.metrics.ObserveOp("sqlite_save", time.Since(start)) }()

	type row struct {
		loc int64
		vb  []byte
	}
	rows := make([]row, 0, len(qs))
	for _, q := range qs {
		loc, err := s.check(q.Pos, q.LOD, q.Voxels)
		if err != nil {
			return err
		}
		buf := stream.ConvertDepths(q.Voxels, s.meta.Depths, s.buffers)
		rows = append(rows, row{loc, blockcodec.Encode(buf)})
		if buf != q.Voxels {
			buf.Release()
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO blocks(loc, vb) VALUES(?,?) ON CONFLICT(loc) DO UPDATE SET vb=excluded.vb`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.loc, r.vb); err != nil {
			return fmt.Errorf("sqlitestream: save: %w", err)
		}
	}
	return tx.Commit()
}

// ForEachKey calls fn for every stored block in key order.
func (s *Stream) ForEachKey(ctx context.Context, fn func(pos mathx.Vec3i, lod uint8) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT loc FROM blocks WHERE vb IS NOT NULL ORDER BY loc`)
	if err != nil {
		return err
	}
	// The single connection is held by rows until they are closed.
	var keys []int64
	for rows.Next() {
		var loc int64
		if err := rows.Scan(&loc); err != nil {
			_ = rows.Close()
			return err
		}
		keys = append(keys, loc)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	for _, k := range keys {
		pos, lod := s.meta.CoordinateFormat.Decode(k)
		if err := fn(pos, lod); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE vb IS NOT NULL`).Scan(&n)
	return n, err
}

// Flush checkpoints the write-ahead log into the main database file.
func (s *Stream) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stream.ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE);`)
	return err
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
