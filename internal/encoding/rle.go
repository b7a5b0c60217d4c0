// Package encoding holds the compact text encodings used on the viewer feed.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

// EncodeRLE encodes a sequence of values into base64(varint pairs).
// The pairs are (value, run_len) repeated.
func EncodeRLE(values []uint64) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(values) {
		v := values[i]
		run := 1
		for j := i + 1; j < len(values) && values[j] == v && run < 1<<31; j++ {
			run++
		}
		writePair(&buf, tmp[:], v, uint64(run))
		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func writePair(buf *bytes.Buffer, tmp []byte, v, run uint64) {
	n := binary.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp, run)
	buf.Write(tmp[:n])
}

// DecodeRLE reverses EncodeRLE. Streams expanding past maxLen values are
// rejected, so a hostile run length cannot exhaust memory.
func DecodeRLE(b64 string, maxLen int) ([]uint64, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if run > uint64(maxLen-len(out)) {
			return nil, fmt.Errorf("run of %d exceeds %d values", run, maxLen)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, v)
		}
	}
	return out, nil
}

// EncodeChannel run-length encodes one channel of b in ZXY order. Uniform
// channels encode as a single run.
func EncodeChannel(b *voxel.Buffer, ch voxel.Channel) string {
	if b.IsUniform(ch) {
		var buf bytes.Buffer
		var tmp [binary.MaxVarintLen64]byte
		writePair(&buf, tmp[:], b.UniformValue(ch), uint64(b.Volume()))
		return base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	values := make([]uint64, b.Volume())
	size := b.Size()
	for i := range values {
		values[i] = b.Get(mathx.FromZXYIndex(i, size), ch)
	}
	return EncodeRLE(values)
}

// DecodeChannel fills channel ch of b from an EncodeChannel string.
func DecodeChannel(b64 string, b *voxel.Buffer, ch voxel.Channel) error {
	values, err := DecodeRLE(b64, b.Volume())
	if err != nil {
		return err
	}
	if len(values) != b.Volume() {
		return fmt.Errorf("got %d values for a buffer of %d", len(values), b.Volume())
	}
	size := b.Size()
	for i, v := range values {
		b.Set(mathx.FromZXYIndex(i, size), ch, v)
	}
	b.Compress(voxel.MaskOf(ch))
	return nil
}
