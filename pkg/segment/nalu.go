package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/opennvr/nvrd/pkg/media"
)

// dataToAccessUnit splits a packet payload into the per-NALU slices
// mediacommon's Sample.FillH264/FillH265 expect. pkg/rtp's depacketizers
// emit AVCC framing (4-byte big-endian length prefix per NALU); Annex-B
// input is also accepted so extradata captured verbatim from a SETUP
// response parses the same way.
func dataToAccessUnit(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if looksLikeAnnexB(data) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
		return [][]byte{data}
	}
	return splitAVCC(data)
}

func looksLikeAnnexB(data []byte) bool {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return false
}

func splitAVCC(data []byte) [][]byte {
	var out [][]byte
	for len(data) >= 4 {
		size := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < size {
			break
		}
		out = append(out, data[:size])
		data = data[size:]
	}
	if out == nil {
		return [][]byte{data}
	}
	return out
}

func splitH264Extradata(extradata []byte) (sps, pps []byte, err error) {
	for _, nalu := range dataToAccessUnit(extradata) {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			pps = append([]byte(nil), nalu...)
		}
	}
	if len(sps) == 0 || len(pps) == 0 {
		return nil, nil, fmt.Errorf("missing SPS/PPS in extradata")
	}
	return sps, pps, nil
}

func splitH265Extradata(extradata []byte) (vps, sps, pps []byte, err error) {
	for _, nalu := range dataToAccessUnit(extradata) {
		if len(nalu) == 0 {
			continue
		}
		switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT:
			vps = append([]byte(nil), nalu...)
		case h265.NALUType_SPS_NUT:
			sps = append([]byte(nil), nalu...)
		case h265.NALUType_PPS_NUT:
			pps = append([]byte(nil), nalu...)
		}
	}
	if len(vps) == 0 || len(sps) == 0 || len(pps) == 0 {
		return nil, nil, nil, fmt.Errorf("missing VPS/SPS/PPS in extradata")
	}
	return vps, sps, pps, nil
}

func parseAudioSpecificConfig(params media.CodecParameters) (mpeg4audio.AudioSpecificConfig, error) {
	var config mpeg4audio.AudioSpecificConfig
	if len(params.Extradata) > 0 {
		if err := config.Unmarshal(params.Extradata); err == nil {
			return config, nil
		}
	}

	sampleRate := params.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := params.Channels
	if channels <= 0 {
		channels = 2
	}
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}, nil
}
