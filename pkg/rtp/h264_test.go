package rtp_test

import (
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/media"
	mediartp "github.com/opennvr/nvrd/pkg/rtp"
)

func singleNALUPacket(ts uint32, payload []byte, marker bool) *pionrtp.Packet {
	return &pionrtp.Packet{Header: pionrtp.Header{Timestamp: ts, Marker: marker}, Payload: payload}
}

func TestH264ProcessorEmitsPacketCarryingRTPTimestamp(t *testing.T) {
	p := mediartp.NewH264Processor()
	var got []media.Packet
	p.OnFrame = func(pkt media.Packet) { got = append(got, pkt) }

	sps := []byte{0x67, 0x42, 0x00, 0x1e}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := append([]byte{0x65}, make([]byte, 8)...)

	require.NoError(t, p.ProcessPacket(singleNALUPacket(1000, sps, false)))
	require.NoError(t, p.ProcessPacket(singleNALUPacket(1000, pps, false)))
	require.NoError(t, p.ProcessPacket(singleNALUPacket(1000, idr, true)))

	require.Len(t, got, 1)
	require.True(t, got[0].IsKeyframe)
	require.Equal(t, media.StreamVideo, got[0].StreamIndex)
	require.Equal(t, int64(1000), got[0].PTS)
	require.Equal(t, int64(1000), got[0].DTS)
	require.Equal(t, media.TimeBase{Num: 1, Den: 90000}, got[0].TimeBase)
}

func TestH264ProcessorReassemblesFUAUsingClosingPacketTimestamp(t *testing.T) {
	p := mediartp.NewH264Processor()
	var got []media.Packet
	p.OnFrame = func(pkt media.Packet) { got = append(got, pkt) }

	naluType := byte(0x01) // P-frame
	fuIndicator := byte(0x61)
	startHeader := byte(0x80) | naluType
	endHeader := byte(0x40) | naluType

	start := &pionrtp.Packet{
		Header:  pionrtp.Header{Timestamp: 3000},
		Payload: append([]byte{fuIndicator, startHeader}, make([]byte, 4)...),
	}
	end := &pionrtp.Packet{
		Header:  pionrtp.Header{Timestamp: 3000, Marker: true},
		Payload: append([]byte{fuIndicator, endHeader}, make([]byte, 4)...),
	}

	require.NoError(t, p.ProcessPacket(start))
	require.NoError(t, p.ProcessPacket(end))

	require.Len(t, got, 1)
	require.Equal(t, int64(3000), got[0].PTS, "a reassembled FU-A frame must carry the RTP timestamp it was sent with")
	require.False(t, got[0].IsKeyframe)
}
