package rtp_test

import (
	"encoding/binary"
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/media"
	mediartp "github.com/opennvr/nvrd/pkg/rtp"
)

func rfc3640Payload(aus ...[]byte) []byte {
	headers := make([]byte, 0, 2*len(aus))
	for _, au := range aus {
		var h [2]byte
		binary.BigEndian.PutUint16(h[:], uint16(len(au))<<3)
		headers = append(headers, h[:]...)
	}
	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(headers)*8))

	out := append([]byte{}, lenField[:]...)
	out = append(out, headers...)
	for _, au := range aus {
		out = append(out, au...)
	}
	return out
}

func TestAACProcessorEmitsPacketPerAccessUnit(t *testing.T) {
	p := mediartp.NewAACProcessor()
	var got []media.Packet
	p.OnFrame = func(pkt media.Packet) { got = append(got, pkt) }

	au := make([]byte, 12)
	packet := &pionrtp.Packet{Header: pionrtp.Header{Timestamp: 5000}, Payload: rfc3640Payload(au)}
	require.NoError(t, p.ProcessPacket(packet))

	require.Len(t, got, 1)
	require.Equal(t, media.StreamAudio, got[0].StreamIndex)
	require.Equal(t, int64(5000), got[0].PTS)
	require.Equal(t, media.TimeBase{Num: 1, Den: mediartp.AACClockRate}, got[0].TimeBase)
	require.False(t, got[0].IsKeyframe)
}

func TestAACProcessorRejectsTooShortPacket(t *testing.T) {
	p := mediartp.NewAACProcessor()
	err := p.ProcessPacket(&pionrtp.Packet{Payload: []byte{0x00}})
	require.Error(t, err)
}
