// Package media defines the immutable media-unit value types the recording
// engine passes between the Ingestor, Buffer, Normalizer, and Segment Writer,
// plus the circular packet buffer and timestamp normalizer built on top of
// them.
package media

import "time"

// StreamIndex disambiguates multiplexed audio and video without a separate
// channel (spec §4.A).
type StreamIndex int

const (
	StreamVideo StreamIndex = iota
	StreamAudio
)

func (s StreamIndex) String() string {
	if s == StreamAudio {
		return "audio"
	}
	return "video"
}

// CodecID names the compression format of a stream's payload.
type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecH264
	CodecH265
	CodecAAC
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAAC:
		return "aac"
	default:
		return "unknown"
	}
}

// TimeBase is a rational clock-rate descriptor (num/den seconds per tick).
type TimeBase struct {
	Num int64
	Den int64
}

// Seconds converts a tick count in this time base to seconds.
func (tb TimeBase) Seconds(ticks int64) float64 {
	if tb.Den == 0 {
		return 0
	}
	return float64(ticks) * float64(tb.Num) / float64(tb.Den)
}

// CodecParameters is captured once at stream open and attached to every
// segment that consumes that stream (spec §3).
type CodecParameters struct {
	Codec      CodecID
	Extradata  []byte // SPS+PPS (H.264/H.265) or AudioSpecificConfig (AAC)
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Profile    string
}

// Packet is one compressed media unit. Constructed once from a demuxed
// network packet and never mutated afterward; Payload is a shared,
// reference-counted byte slice so cloning a Packet is cheap (spec §4.A).
type Packet struct {
	StreamIndex      StreamIndex
	PTS              int64
	DTS              int64
	TimeBase         TimeBase
	IsKeyframe       bool
	Payload          []byte
	ArrivalWallclock time.Time
	ArrivalMonotonic int64 // time.Now().UnixNano() at arrival (wallclock nanoseconds, not a monotonic reading)
}

// NewPacket constructs an immutable Packet from demuxed fields. This is the
// only supported construction path (spec §4.A): callers must not build a
// Packet by struct literal outside this package's tests.
func NewPacket(idx StreamIndex, pts, dts int64, tb TimeBase, keyframe bool, payload []byte) Packet {
	now := time.Now()
	return Packet{
		StreamIndex:      idx,
		PTS:              pts,
		DTS:              dts,
		TimeBase:         tb,
		IsKeyframe:       keyframe,
		Payload:          payload,
		ArrivalWallclock: now,
		ArrivalMonotonic: now.UnixNano(),
	}
}

// Duration derives a frame duration from the delta to next's DTS when the
// demuxer does not supply one directly.
func (p Packet) Duration(next Packet) time.Duration {
	delta := next.DTS - p.DTS
	if delta <= 0 {
		return 0
	}
	return time.Duration(p.TimeBase.Seconds(delta) * float64(time.Second))
}

// Clone returns a Packet sharing the same Payload slice (reference-counted
// by the Go garbage collector — copying the header is the only copy made).
func (p Packet) Clone() Packet {
	return p
}
