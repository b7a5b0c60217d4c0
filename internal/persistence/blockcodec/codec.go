// Package blockcodec turns a voxel buffer into the bytes stored by every
// persistent stream, and back.
//
// Layout before compression (little-endian):
//
//	u8  version
//	u16 size x, y, z
//	per channel (8):
//	    u8 compression (0 none, 1 uniform)
//	    u8 depth
//	    uniform: value on depth bytes
//	    none:    volume * depth bytes, ZXY order
//	u32 trailer 0x900df00d
//
// The whole thing is then zstd-compressed and prefixed with its
// uncompressed size as u32.
package blockcodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

const (
	Version = 1

	trailerMagic uint32 = 0x900df00d

	compressionNone    = 0
	compressionUniform = 1

	// MaxRawSize bounds the decompressed payload: a 256³ block of eight
	// 64-bit channels.
	MaxRawSize = 256 * 256 * 256 * 8 * 8
)

var (
	ErrBadMagic     = errors.New("blockcodec: bad trailer magic")
	ErrTruncated    = errors.New("blockcodec: truncated data")
	ErrBadVersion   = errors.New("blockcodec: unsupported version")
	ErrSizeMismatch = errors.New("blockcodec: buffer size mismatch")
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	// EncodeAll/DecodeAll are safe for concurrent use, so one instance is
	// shared by every worker.
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(MaxRawSize))
	if err != nil {
		panic(err)
	}
}

// RawSize is the length of the uncompressed serialization of b.
func RawSize(b *voxel.Buffer) int {
	n := 1 + 6 + 4
	vol := b.Volume()
	for ch := voxel.Channel(0); ch < voxel.ChannelCount; ch++ {
		n += 2
		d := b.Depth(ch).Bytes()
		if b.IsUniform(ch) {
			n += d
		} else {
			n += vol * d
		}
	}
	return n
}

// Serialize writes the uncompressed form of b. The caller holds at least a
// read lock on b.
func Serialize(b *voxel.Buffer) []byte {
	out := make([]byte, 0, RawSize(b))
	size := b.Size()
	out = append(out, Version)
	out = binary.LittleEndian.AppendUint16(out, uint16(size.X))
	out = binary.LittleEndian.AppendUint16(out, uint16(size.Y))
	out = binary.LittleEndian.AppendUint16(out, uint16(size.Z))
	for ch := voxel.Channel(0); ch < voxel.ChannelCount; ch++ {
		d := b.Depth(ch)
		if b.IsUniform(ch) {
			out = append(out, compressionUniform, byte(d))
			out = appendValue(out, d, b.UniformValue(ch))
			continue
		}
		out = append(out, compressionNone, byte(d))
		out = append(out, b.Raw(ch)...)
	}
	return binary.LittleEndian.AppendUint32(out, trailerMagic)
}

// Deserialize reads the uncompressed form into out, whose size must match.
// Channel depths of out are replaced by the stored ones.
func Deserialize(data []byte, out *voxel.Buffer) error {
	r := reader{data: data}
	if v := r.u8(); r.err == nil && v != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	size := mathx.V3(int(r.u16()), int(r.u16()), int(r.u16()))
	if r.err != nil {
		return r.err
	}
	if size != out.Size() {
		return fmt.Errorf("%w: stored %v, buffer %v", ErrSizeMismatch, size, out.Size())
	}
	vol := out.Volume()
	for ch := voxel.Channel(0); ch < voxel.ChannelCount; ch++ {
		comp := r.u8()
		d := voxel.Depth(r.u8())
		if r.err != nil {
			return r.err
		}
		if !d.Valid() {
			return fmt.Errorf("blockcodec: channel %s: invalid depth %d at offset %#x", ch, d, r.off-1)
		}
		switch comp {
		case compressionUniform:
			v := r.value(d)
			if r.err != nil {
				return r.err
			}
			out.SetDepth(ch, d)
			out.Fill(ch, v)
		case compressionNone:
			raw := r.bytes(vol * d.Bytes())
			if r.err != nil {
				return r.err
			}
			out.SetDepth(ch, d)
			if err := out.SetRaw(ch, raw); err != nil {
				return err
			}
		default:
			return fmt.Errorf("blockcodec: channel %s: unknown compression %d at offset %#x", ch, comp, r.off-2)
		}
	}
	magic := r.u32()
	if r.err != nil {
		return r.err
	}
	if magic != trailerMagic {
		return fmt.Errorf("%w at offset %#x", ErrBadMagic, r.off-4)
	}
	return nil
}

// Encode serializes and compresses b.
func Encode(b *voxel.Buffer) []byte {
	raw := Serialize(b)
	out := make([]byte, 4, 4+len(raw)/2)
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	return encoder.EncodeAll(raw, out)
}

// Decode decompresses and deserializes data into out.
func Decode(data []byte, out *voxel.Buffer) error {
	if len(data) < 4 {
		return ErrTruncated
	}
	n := binary.LittleEndian.Uint32(data)
	if n > MaxRawSize {
		return fmt.Errorf("blockcodec: declared size %d exceeds limit", n)
	}
	raw, err := decoder.DecodeAll(data[4:], make([]byte, 0, n))
	if err != nil {
		return fmt.Errorf("blockcodec: decompress: %w", err)
	}
	if uint32(len(raw)) != n {
		return fmt.Errorf("blockcodec: expected %d bytes, got %d", n, len(raw))
	}
	return Deserialize(raw, out)
}

// Compress and Decompress expose the framing alone, for callers storing
// their own payloads (snapshots, journals) next to blocks.
func Compress(raw []byte) []byte { return encoder.EncodeAll(raw, nil) }

func Decompress(data []byte) ([]byte, error) { return decoder.DecodeAll(data, nil) }

func appendValue(out []byte, d voxel.Depth, v uint64) []byte {
	switch d {
	case voxel.Depth8:
		return append(out, byte(v))
	case voxel.Depth16:
		return binary.LittleEndian.AppendUint16(out, uint16(v))
	case voxel.Depth32:
		return binary.LittleEndian.AppendUint32(out, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(out, v)
	}
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %#x, have %d", ErrTruncated, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) value(d voxel.Depth) uint64 {
	b := r.bytes(d.Bytes())
	if b == nil {
		return 0
	}
	switch d {
	case voxel.Depth8:
		return uint64(b[0])
	case voxel.Depth16:
		return uint64(binary.LittleEndian.Uint16(b))
	case voxel.Depth32:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}
