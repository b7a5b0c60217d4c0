package voxel

import (
	"fmt"
	"math"
	"strings"
)

type Channel uint8

const (
	ChannelType Channel = iota
	ChannelSDF
	ChannelColor
	ChannelIndices
	ChannelWeights
	ChannelData5
	ChannelData6
	ChannelData7

	ChannelCount = 8
)

var channelNames = [ChannelCount]string{"type", "sdf", "color", "indices", "weights", "data5", "data6", "data7"}

func (c Channel) String() string {
	if int(c) < ChannelCount {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range channelNames {
		if n == s {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// ChannelMask is a bit set of channels, bit i for Channel(i).
type ChannelMask uint8

const AllChannels ChannelMask = 0xff

func MaskOf(chs ...Channel) ChannelMask {
	var m ChannelMask
	for _, c := range chs {
		m |= 1 << c
	}
	return m
}

func (m ChannelMask) Has(c Channel) bool { return m&(1<<c) != 0 }

func (m ChannelMask) ForEach(fn func(c Channel)) {
	for c := Channel(0); c < ChannelCount; c++ {
		if m.Has(c) {
			fn(c)
		}
	}
}

// Depth is the storage width of one channel. The numeric values are the ones
// written in region file headers.
type Depth uint8

const (
	Depth8 Depth = iota
	Depth16
	Depth32
	Depth64

	DepthCount = 4
)

func (d Depth) Bytes() int { return 1 << d }

func (d Depth) Bits() int { return 8 << d }

func (d Depth) Valid() bool { return d < DepthCount }

func (d Depth) MaxValue() uint64 {
	if d == Depth64 {
		return math.MaxUint64
	}
	return (uint64(1) << d.Bits()) - 1
}

func (d Depth) String() string { return fmt.Sprintf("%d-bit", d.Bits()) }

func DepthFromBits(bits int) (Depth, error) {
	switch bits {
	case 8:
		return Depth8, nil
	case 16:
		return Depth16, nil
	case 32:
		return Depth32, nil
	case 64:
		return Depth64, nil
	}
	return 0, fmt.Errorf("unsupported channel depth %d bits", bits)
}

// Format describes the depth and default value of every channel. All buffers
// of one stream share a format.
type Format struct {
	Depths   [ChannelCount]Depth
	Defaults [ChannelCount]uint64
}

func DefaultFormat() Format {
	var depths [ChannelCount]Depth
	for i := range depths {
		depths[i] = Depth8
	}
	depths[ChannelType] = Depth16
	depths[ChannelSDF] = Depth16
	depths[ChannelIndices] = Depth16
	depths[ChannelWeights] = Depth16
	return FormatForDepths(depths)
}

// FormatForDepths builds a format with the usual defaults: zero everywhere
// except SDF, which defaults to "far outside".
func FormatForDepths(depths [ChannelCount]Depth) Format {
	f := Format{Depths: depths}
	f.Defaults[ChannelSDF] = EncodeSDF(depths[ChannelSDF], sdfFar)
	return f
}

func (f Format) Validate() error {
	for i, d := range f.Depths {
		if !d.Valid() {
			return fmt.Errorf("channel %s: invalid depth %d", Channel(i), d)
		}
		if f.Defaults[i] > d.MaxValue() {
			return fmt.Errorf("channel %s: default %d exceeds %s", Channel(i), f.Defaults[i], d)
		}
	}
	return nil
}

const (
	sdfScale8  = 0.1
	sdfScale16 = 0.002
	sdfFar     = 1e4
)

// EncodeSDF quantizes a signed distance for storage at the given depth.
// 8 and 16 bit depths use a scaled snorm encoding and saturate.
func EncodeSDF(d Depth, v float64) uint64 {
	switch d {
	case Depth8:
		q := math.Round(clampUnit(v*sdfScale8) * math.MaxInt8)
		return uint64(uint8(int8(q)))
	case Depth16:
		q := math.Round(clampUnit(v*sdfScale16) * math.MaxInt16)
		return uint64(uint16(int16(q)))
	case Depth32:
		return uint64(math.Float32bits(float32(v)))
	default:
		return math.Float64bits(v)
	}
}

func DecodeSDF(d Depth, raw uint64) float64 {
	switch d {
	case Depth8:
		return float64(int8(uint8(raw))) / math.MaxInt8 / sdfScale8
	case Depth16:
		return float64(int16(uint16(raw))) / math.MaxInt16 / sdfScale16
	case Depth32:
		return float64(math.Float32frombits(uint32(raw)))
	default:
		return math.Float64frombits(raw)
	}
}

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
