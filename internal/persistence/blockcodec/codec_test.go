package blockcodec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

func patterned(depths [voxel.ChannelCount]voxel.Depth) *voxel.Buffer {
	b := voxel.NewCube(8, voxel.FormatForDepths(depths), nil)
	b.Box().ForEachCell(func(p mathx.Vec3i) {
		b.Set(p, voxel.ChannelType, uint64(p.X*31+p.Y*7+p.Z))
	})
	b.Fill(voxel.ChannelColor, 0xabcdef)
	b.SetF(mathx.V3(3, 4, 5), voxel.ChannelSDF, -1.25)
	return b
}

func TestRoundTripEveryDepth(t *testing.T) {
	for d := voxel.Depth8; d < voxel.DepthCount; d++ {
		var depths [voxel.ChannelCount]voxel.Depth
		for i := range depths {
			depths[i] = d
		}
		src := patterned(depths)
		data := Encode(src)

		dst := voxel.NewCube(8, voxel.DefaultFormat(), nil)
		require.NoError(t, Decode(data, dst), "depth %s", d)
		require.True(t, src.Equal(dst), "depth %s", d)
		require.Equal(t, d, dst.Depth(voxel.ChannelData7))
		require.True(t, dst.IsUniform(voxel.ChannelColor))
		require.False(t, dst.IsUniform(voxel.ChannelType))
	}
}

func TestRoundTripUniformBuffer(t *testing.T) {
	src := voxel.NewCube(16, voxel.DefaultFormat(), nil)
	src.Fill(voxel.ChannelType, 3)
	data := Encode(src)
	raw, err := Decompress(data[4:])
	require.NoError(t, err)
	require.Equal(t, RawSize(src), len(raw))

	dst := voxel.NewCube(16, voxel.DefaultFormat(), nil)
	require.NoError(t, Decode(data, dst))
	require.True(t, src.Equal(dst))
	require.Equal(t, 0, dst.MemoryUsage())
}

func TestDeserializeRejectsCorruption(t *testing.T) {
	src := patterned(voxel.DefaultFormat().Depths)
	raw := Serialize(src)
	dst := voxel.NewCube(8, voxel.DefaultFormat(), nil)

	bad := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(bad[len(bad)-4:], 0xdeadbeef)
	require.ErrorIs(t, Deserialize(bad, dst), ErrBadMagic)

	require.ErrorIs(t, Deserialize(raw[:len(raw)/2], dst), ErrTruncated)

	small := voxel.NewCube(4, voxel.DefaultFormat(), nil)
	require.ErrorIs(t, Deserialize(raw, small), ErrSizeMismatch)

	bad = append([]byte(nil), raw...)
	bad[0] = 9
	require.ErrorIs(t, Deserialize(bad, dst), ErrBadVersion)

	require.ErrorIs(t, Decode([]byte{1, 2}, dst), ErrTruncated)
}
