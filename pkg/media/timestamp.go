package media

import (
	"math"
	"time"
)

const (
	defaultDiscontinuityMultiplier = 5
	defaultMinDiscontinuitySeconds = 10.0
)

// TimestampTracker transforms raw demuxer timestamps for one stream into a
// monotonic sequence suitable for fragmented-MP4 muxing (spec §4.C).
type TimestampTracker struct {
	timeBase TimeBase
	isUDP    bool

	expectedFrameDurationTicks int64

	initialized    bool
	basePTS        int64
	baseDTS        int64
	offset         int64
	lastRawDTS     int64
	lastEmittedDTS int64

	DiscontinuityCount uint64
}

// NewTimestampTracker builds a tracker for one stream. expectedFrameInterval
// is the nominal spacing between packets (e.g. 1/fps for video), used both to
// size the discontinuity bound and to bridge gaps and reconnects.
func NewTimestampTracker(tb TimeBase, expectedFrameInterval time.Duration, isUDP bool) *TimestampTracker {
	ticks := int64(math.Round(expectedFrameInterval.Seconds() * float64(tb.Den) / float64(tb.Num)))
	if ticks <= 0 {
		ticks = 1
	}
	return &TimestampTracker{
		timeBase:                   tb,
		isUDP:                      isUDP,
		expectedFrameDurationTicks: ticks,
	}
}

func (t *TimestampTracker) discontinuityBoundSeconds() float64 {
	expected := t.timeBase.Seconds(t.expectedFrameDurationTicks)
	bound := expected * defaultDiscontinuityMultiplier
	if bound < defaultMinDiscontinuitySeconds {
		bound = defaultMinDiscontinuitySeconds
	}
	return bound
}

// Normalize applies rules 1-3 of §4.C and returns a packet with pts/dts
// replaced by the emitted, monotonic values. The input packet is not
// mutated.
func (t *TimestampTracker) Normalize(p Packet) Packet {
	out := p

	if !t.initialized {
		t.initialized = true
		t.basePTS = p.PTS
		t.baseDTS = p.DTS
		t.lastRawDTS = p.DTS
		out.PTS = 0
		out.DTS = 0
		t.lastEmittedDTS = 0
		return out
	}

	// Rule 3: bridge gaps exceeding the configured bound before computing
	// this packet's emitted values.
	if gapTicks := p.DTS - t.lastRawDTS; gapTicks > 0 {
		if t.timeBase.Seconds(gapTicks) > t.discontinuityBoundSeconds() {
			t.offset = t.lastEmittedDTS + t.expectedFrameDurationTicks - (p.DTS - t.baseDTS)
			t.DiscontinuityCount++
		}
	}

	ptsPrime := p.PTS - t.basePTS + t.offset
	dtsPrime := p.DTS - t.baseDTS + t.offset

	// Rule 2: reordered or backward sample.
	if dtsPrime <= t.lastEmittedDTS {
		delta := ptsPrime - dtsPrime
		dtsPrime = t.lastEmittedDTS + 1
		ptsPrime = dtsPrime + delta
		t.DiscontinuityCount++
	}

	t.lastRawDTS = p.DTS
	t.lastEmittedDTS = dtsPrime
	out.PTS = ptsPrime
	out.DTS = dtsPrime
	return out
}

// Rebase implements rule 4: on reconnect, the tracker adopts a fresh base
// from the first post-reconnect packet and sets offset so the very next
// Normalize call preserves (I-T2) across the segment boundary. Callers pass
// the same packet into Normalize immediately afterward.
func (t *TimestampTracker) Rebase(firstPacketAfterReconnect Packet) {
	t.basePTS = firstPacketAfterReconnect.PTS
	t.baseDTS = firstPacketAfterReconnect.DTS
	t.lastRawDTS = firstPacketAfterReconnect.DTS
	t.offset = t.lastEmittedDTS + t.expectedFrameDurationTicks
}

// LastEmittedDTS reports the most recently emitted DTS, used by the Segment
// Writer to detect segment-boundary continuity.
func (t *TimestampTracker) LastEmittedDTS() int64 {
	return t.lastEmittedDTS
}

// Less orders two already-normalized packets for interleaved muxing: equal
// DTS breaks ties in favor of video so the decoder receives the reference
// frame before its dependent audio (spec §4.C tie-break rule).
func Less(a, b Packet) bool {
	if a.DTS != b.DTS {
		return a.DTS < b.DTS
	}
	if a.StreamIndex != b.StreamIndex {
		return a.StreamIndex == StreamVideo
	}
	return a.PTS < b.PTS
}
