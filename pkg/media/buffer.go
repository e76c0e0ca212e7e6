package media

import (
	"container/list"
	"sync"
)

// BufferStats is the snapshot returned by PacketBuffer.Stats.
type BufferStats struct {
	Count            int
	MemoryBytes      uint64
	DurationSeconds  float64
	KeyframeCount    int
	DroppedPackets   uint64
	DroppedBytes     uint64
	DroppedKeyframes uint64
	TotalKeyframes   uint64
}

// PacketBuffer is a bounded, time-indexed, keyframe-aware FIFO scoped to one
// camera stream (spec §3/§4.B). It never blocks: Push always succeeds,
// shedding packets under memory pressure instead.
type PacketBuffer struct {
	mu sync.Mutex

	capacityBytes uint64
	packets       *list.List // of Packet, oldest at Front

	memoryBytes      uint64
	keyframeCount    int
	droppedPackets   uint64
	droppedBytes     uint64
	droppedKeyframes uint64
	totalKeyframes   uint64
}

// NewPacketBuffer creates a buffer bounded to capacityBytes of payload.
func NewPacketBuffer(capacityBytes uint64) *PacketBuffer {
	return &PacketBuffer{
		capacityBytes: capacityBytes,
		packets:       list.New(),
	}
}

// Push appends packet in arrival order, then evicts under pressure until
// (I-B1) holds and, if eviction left the head mid-GOP, continues evicting to
// the next video keyframe to satisfy (I-B3). Never blocks.
func (b *PacketBuffer) Push(p Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if back := b.packets.Back(); back != nil {
		last := back.Value.(Packet)
		// Edge case (b): duplicate (stream_index, pts, dts) tuple.
		if last.StreamIndex == p.StreamIndex && last.PTS == p.PTS && last.DTS == p.DTS {
			return
		}
	}

	b.packets.PushBack(p)
	b.memoryBytes += uint64(len(p.Payload))
	if p.StreamIndex == StreamVideo && p.IsKeyframe {
		b.keyframeCount++
		b.totalKeyframes++
	}

	b.evictForCapacity()
	b.evictToGOPHead()
}

// evictForCapacity enforces (I-B1): video keyframes are preserved
// preferentially, evicted only when nothing else remains (spec §5).
func (b *PacketBuffer) evictForCapacity() {
	for b.memoryBytes > b.capacityBytes && b.packets.Len() > 0 {
		victim := b.firstEvictable()
		if victim == nil {
			victim = b.packets.Front()
			pkt := victim.Value.(Packet)
			if pkt.StreamIndex == StreamVideo && pkt.IsKeyframe {
				b.droppedKeyframes++
			}
		}
		b.removeElement(victim)
	}
}

// firstEvictable returns the oldest packet that is not a protected video
// keyframe, or nil if every remaining packet is a video keyframe.
func (b *PacketBuffer) firstEvictable() *list.Element {
	for e := b.packets.Front(); e != nil; e = e.Next() {
		p := e.Value.(Packet)
		if !(p.StreamIndex == StreamVideo && p.IsKeyframe) {
			return e
		}
	}
	return nil
}

// evictToGOPHead enforces (I-B3): the buffer never begins mid-GOP. Anything
// ahead of the earliest video keyframe is unusable for drain_from_keyframe
// and is dropped.
func (b *PacketBuffer) evictToGOPHead() {
	keyElem := b.firstVideoKeyframeElement()
	if keyElem == nil {
		// No keyframe buffered yet: a video packet without a preceding
		// keyframe can never start a GOP-aligned drain, so discard
		// video frames until one arrives. Audio ahead of it is harmless
		// and left alone (it still counts toward the memory budget and
		// is subject to ordinary capacity eviction).
		for e := b.packets.Front(); e != nil; {
			next := e.Next()
			p := e.Value.(Packet)
			if p.StreamIndex == StreamVideo {
				b.removeElement(e)
			}
			e = next
		}
		return
	}

	for front := b.packets.Front(); front != nil && front != keyElem; {
		next := front.Next()
		b.removeElement(front)
		front = next
	}
}

func (b *PacketBuffer) firstVideoKeyframeElement() *list.Element {
	for e := b.packets.Front(); e != nil; e = e.Next() {
		p := e.Value.(Packet)
		if p.StreamIndex == StreamVideo && p.IsKeyframe {
			return e
		}
	}
	return nil
}

func (b *PacketBuffer) removeElement(e *list.Element) {
	p := e.Value.(Packet)
	b.packets.Remove(e)
	b.memoryBytes -= uint64(len(p.Payload))
	if p.StreamIndex == StreamVideo && p.IsKeyframe {
		b.keyframeCount--
	}
	b.droppedPackets++
	b.droppedBytes += uint64(len(p.Payload))
}

// DrainFromKeyframe returns packets in arrival order beginning at the oldest
// video keyframe whose PTS is >= since, or the newest video keyframe in the
// buffer if none qualifies. Returns nil if the buffer holds no video
// keyframe at all (edge case a: buffer smaller than one GOP).
func (b *PacketBuffer) DrainFromKeyframe(since int64) []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.oldestKeyframeAtOrAfter(since)
	if start == nil {
		start = b.newestKeyframeElement()
	}
	if start == nil {
		return nil
	}

	out := make([]Packet, 0, b.packets.Len())
	for e := start; e != nil; e = e.Next() {
		out = append(out, e.Value.(Packet).Clone())
	}
	return out
}

func (b *PacketBuffer) oldestKeyframeAtOrAfter(since int64) *list.Element {
	for e := b.packets.Front(); e != nil; e = e.Next() {
		p := e.Value.(Packet)
		if p.StreamIndex == StreamVideo && p.IsKeyframe && p.PTS >= since {
			return e
		}
	}
	return nil
}

// NewestVideoPTS returns the PTS of the most recently pushed video packet,
// or (0, false) if the buffer holds no video packet. Callers use this as
// "now" in stream ticks when computing a pre-roll window, since the buffer
// has no wallclock of its own.
func (b *PacketBuffer) NewestVideoPTS() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for e := b.packets.Back(); e != nil; e = e.Prev() {
		p := e.Value.(Packet)
		if p.StreamIndex == StreamVideo {
			return p.PTS, true
		}
	}
	return 0, false
}

func (b *PacketBuffer) newestKeyframeElement() *list.Element {
	var newest *list.Element
	for e := b.packets.Front(); e != nil; e = e.Next() {
		p := e.Value.(Packet)
		if p.StreamIndex == StreamVideo && p.IsKeyframe {
			newest = e
		}
	}
	return newest
}

// Stats reports (count, memory_bytes, duration_seconds, keyframe_count) plus
// drop counters.
func (b *PacketBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var duration float64
	if front, back := b.packets.Front(), b.packets.Back(); front != nil && back != nil {
		fp, bp := front.Value.(Packet), back.Value.(Packet)
		duration = fp.TimeBase.Seconds(bp.DTS - fp.DTS)
		if duration < 0 {
			duration = 0
		}
	}

	return BufferStats{
		Count:            b.packets.Len(),
		MemoryBytes:      b.memoryBytes,
		DurationSeconds:  duration,
		KeyframeCount:    b.keyframeCount,
		DroppedPackets:   b.droppedPackets,
		DroppedBytes:     b.droppedBytes,
		DroppedKeyframes: b.droppedKeyframes,
		TotalKeyframes:   b.totalKeyframes,
	}
}

// Clear resets the buffer to empty in O(1): payload reference counts are
// released by dropping the list. Used on Ingestor reconnect (edge case c:
// codec extradata may change).
func (b *PacketBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = list.New()
	b.memoryBytes = 0
	b.keyframeCount = 0
}
