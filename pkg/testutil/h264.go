package testutil

import "github.com/pion/rtp"

// SyntheticSPS and SyntheticPPS are placeholder NALU payloads (not a valid
// decodable bitstream, but structurally correct: a 0x67/0x68 header followed
// by arbitrary bytes) good enough to exercise extradata capture and fMP4
// muxing in tests that never touch a real decoder.
var (
	SyntheticSPS = []byte{0x67, 0x42, 0x00, 0x1e, 0xab, 0xcd, 0xef}
	SyntheticPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// BuildRTPPacket marshals a minimal valid RTP packet carrying payload.
func BuildRTPPacket(seq uint16, timestamp uint32, marker bool, payloadType uint8, payload []byte) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           0xCAFEBABE,
		},
		Payload: payload,
	}
	b, err := pkt.Marshal()
	if err != nil {
		panic(err) // only ever hit by a programming error in test setup
	}
	return b
}

// H264GOP generates the single-NALU RTP packets for one group of pictures:
// SPS, PPS, an IDR slice (marker set, so H264Processor emits the combined
// keyframe), followed by frameCount-1 P-slices (one RTP packet each).
type H264GOP struct {
	StartSeq       uint16
	StartTimestamp uint32
	FrameCount     int
	TickDuration   uint32 // RTP timestamp ticks between frames, e.g. 3000 at 90kHz/30fps
	PayloadType    uint8
}

// Packets returns the wire-ready RTP packets for the GOP, in send order.
func (g H264GOP) Packets() [][]byte {
	if g.FrameCount < 1 {
		return nil
	}
	pt := g.PayloadType
	if pt == 0 {
		pt = 96
	}
	seq := g.StartSeq
	ts := g.StartTimestamp

	var out [][]byte
	out = append(out, BuildRTPPacket(seq, ts, false, pt, SyntheticSPS))
	seq++
	out = append(out, BuildRTPPacket(seq, ts, false, pt, SyntheticPPS))
	seq++

	idr := append([]byte{0x65}, make([]byte, 32)...)
	out = append(out, BuildRTPPacket(seq, ts, true, pt, idr))
	seq++

	for i := 1; i < g.FrameCount; i++ {
		ts += g.TickDuration
		p := append([]byte{0x61}, make([]byte, 16)...)
		out = append(out, BuildRTPPacket(seq, ts, true, pt, p))
		seq++
	}
	return out
}
