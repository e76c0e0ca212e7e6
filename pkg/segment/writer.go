// Package segment emits fragmented-MP4 files for a recording, one file per
// rotation, each playable on disk even if the process is killed mid-fragment.
package segment

import (
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/opennvr/nvrd/pkg/media"
	"github.com/opennvr/nvrd/pkg/nvrerrors"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	videoTimeScale = 90000

	// defaultFrameDurationTicks seeds the first sample's Duration field
	// before two samples have been seen to derive a real delta from.
	defaultFrameDurationTicks = 3000 // ~33ms at 90kHz

	audioGuardWindow = 3 * time.Second
)

// StartedInfo is delivered to the on_segment_started callback once per file,
// on its first successful write (spec §4.D).
type StartedInfo struct {
	SegmentIndex      int
	Path              string
	FirstPTSWallclock time.Time
}

// Writer emits a sequence of fragmented-MP4 files for one recording. A
// Writer is owned exclusively by the Ingestor/Controller pair that opened it
// and is not safe for concurrent use.
type Writer struct {
	stem            string
	segmentDuration time.Duration
	videoParams     media.CodecParameters
	audioParams     media.CodecParameters
	hasAudio        bool
	onStarted       func(StartedInfo)

	index int
	file  *os.File
	path  string

	audioTimeScale  uint32
	sequenceNumber  uint32
	videoBaseTime   uint64
	audioBaseTime   uint64
	videoSamples    []*fmp4.Sample
	audioSamples    []*fmp4.Sample
	haveLastVideoDTS bool
	lastVideoDTS    int64
	segmentStartDTS int64
	initWritten     bool
	fileHasFrame    bool

	openedAt       time.Time
	audioSeen      bool
	audioDropped   bool

	closed bool
}

// Open prepares a writer rooted at outputStem (files are named
// "<stem>-00001.mp4", "-00002.mp4", ...). No file is created until the first
// keyframe arrives.
func Open(
	outputStem string,
	segmentDuration time.Duration,
	videoParams media.CodecParameters,
	audioParams *media.CodecParameters,
	onStarted func(StartedInfo),
) *Writer {
	w := &Writer{
		stem:            outputStem,
		segmentDuration: segmentDuration,
		videoParams:     videoParams,
		onStarted:       onStarted,
		audioTimeScale:  48000,
	}
	if audioParams != nil {
		w.audioParams = *audioParams
		w.hasAudio = true
		if audioParams.SampleRate > 0 {
			w.audioTimeScale = uint32(audioParams.SampleRate)
		}
	}
	return w
}

// Write admits one packet. Video keyframes may trigger rotation to the next
// sequential file; audio packets never rotate and are dropped until a video
// file is open.
func (w *Writer) Write(p media.Packet) error {
	if w.closed {
		return nvrerrors.New(nvrerrors.KindConfiguration, "write after close", nil)
	}
	switch p.StreamIndex {
	case media.StreamVideo:
		return w.writeVideo(p)
	case media.StreamAudio:
		return w.writeAudio(p)
	default:
		return nil
	}
}

func (w *Writer) writeVideo(p media.Packet) error {
	if p.IsKeyframe && w.file != nil && w.shouldRotate(p) {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if w.file == nil {
		// Segment boundary contract (d): defer until a keyframe arrives.
		if !p.IsKeyframe {
			return nil
		}
		if err := w.openFile(p); err != nil {
			return err
		}
	}

	dts := p.DTS
	if w.haveLastVideoDTS && dts <= w.lastVideoDTS {
		// Algorithmic note (b): DTS smoothing.
		dts = w.lastVideoDTS + 1
	}

	duration := uint32(defaultFrameDurationTicks)
	if w.haveLastVideoDTS {
		duration = uint32(dts - w.lastVideoDTS)
	}

	au := dataToAccessUnit(p.Payload)
	sample := &fmp4.Sample{
		Duration:        duration,
		PTSOffset:       int32(p.PTS - dts),
		IsNonSyncSample: !p.IsKeyframe,
	}

	var err error
	switch w.videoParams.Codec {
	case media.CodecH264:
		err = sample.FillH264(sample.PTSOffset, au)
	case media.CodecH265:
		err = sample.FillH265(sample.PTSOffset, au)
	default:
		err = fmt.Errorf("unsupported video codec %s", w.videoParams.Codec)
	}
	if err != nil {
		return nvrerrors.New(nvrerrors.KindDataIntegrity, "fill video sample", err)
	}

	w.videoSamples = append(w.videoSamples, sample)
	w.lastVideoDTS = dts
	w.haveLastVideoDTS = true

	return w.flush()
}

func (w *Writer) writeAudio(p media.Packet) error {
	if w.file == nil || w.audioDropped || !w.hasAudio {
		return nil
	}
	w.audioSeen = true

	sample := &fmp4.Sample{
		Duration:        audioFrameDuration(w.audioParams),
		IsNonSyncSample: false,
		Payload:         p.Payload,
	}
	w.audioSamples = append(w.audioSamples, sample)
	return w.flush()
}

// AudioGuardCheck drops the audio track for the remainder of the recording
// if no audio packet has arrived within audioGuardWindow of segment open
// (algorithmic note (c)). The Controller calls this before each packet it
// writes; it is a no-op once a decision has been made.
func (w *Writer) AudioGuardCheck(now time.Time) {
	if !w.hasAudio || w.audioDropped || w.audioSeen || w.openedAt.IsZero() {
		return
	}
	if now.Sub(w.openedAt) > audioGuardWindow {
		w.audioDropped = true
		w.hasAudio = false
	}
}

func (w *Writer) shouldRotate(p media.Packet) bool {
	elapsed := p.TimeBase.Seconds(p.DTS - w.segmentStartDTS)
	return elapsed >= w.segmentDuration.Seconds()
}

func (w *Writer) openFile(p media.Packet) error {
	w.index++
	path := fmt.Sprintf("%s-%05d.mp4", w.stem, w.index)

	f, err := os.Create(path)
	if err != nil {
		return nvrerrors.New(nvrerrors.KindResourceExhaustion, "create segment file "+path, err)
	}

	w.file = f
	w.path = path
	w.segmentStartDTS = p.DTS
	w.videoBaseTime = 0
	w.audioBaseTime = 0
	w.sequenceNumber = 1
	w.haveLastVideoDTS = false
	w.initWritten = false
	w.fileHasFrame = false
	w.openedAt = time.Now()
	w.audioSeen = false

	if w.onStarted != nil {
		w.onStarted(StartedInfo{
			SegmentIndex:      w.index,
			Path:              path,
			FirstPTSWallclock: p.ArrivalWallclock,
		})
	}
	return nil
}

// rotate finalizes the current file and clears state so the next keyframe
// opens a fresh sequential file.
func (w *Writer) rotate() error {
	if err := w.finalizeFile(); err != nil {
		return err
	}
	w.file = nil
	return nil
}

func (w *Writer) finalizeFile() error {
	if w.file == nil {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return nvrerrors.New(nvrerrors.KindResourceExhaustion, "close segment file "+w.path, err)
	}
	return nil
}

// flush writes the init segment (once) and any buffered samples as a
// fragment. mediacommon's Init/Part types Marshal directly against an
// io.WriteSeeker; *os.File already satisfies that, so no buffering is
// needed before it reaches disk.
func (w *Writer) flush() error {
	if !w.initWritten {
		if err := w.writeInit(); err != nil {
			return err
		}
		w.initWritten = true
	}
	if len(w.videoSamples) == 0 && len(w.audioSamples) == 0 {
		return nil
	}
	if err := w.writeFragment(); err != nil {
		return err
	}
	w.fileHasFrame = true
	return nil
}

func (w *Writer) writeInit() error {
	videoCodec, err := buildVideoCodec(w.videoParams)
	if err != nil {
		return nvrerrors.New(nvrerrors.KindFatal, "parse video extradata", err)
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     videoCodec,
		}},
	}

	if w.hasAudio {
		audioCodec, err := buildAudioCodec(w.audioParams)
		if err != nil {
			return nvrerrors.New(nvrerrors.KindFatal, "parse audio extradata", err)
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: w.audioTimeScale,
			Codec:     audioCodec,
		})
	}

	if err := init.Marshal(w.file); err != nil {
		return nvrerrors.New(nvrerrors.KindResourceExhaustion, "write init segment", err)
	}
	return nil
}

func (w *Writer) writeFragment() error {
	part := &fmp4.Part{SequenceNumber: w.sequenceNumber}

	if len(w.videoSamples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       videoTrackID,
			BaseTime: w.videoBaseTime,
			Samples:  w.videoSamples,
		})
		for _, s := range w.videoSamples {
			w.videoBaseTime += uint64(s.Duration)
		}
		w.videoSamples = nil
	}

	if len(w.audioSamples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       audioTrackID,
			BaseTime: w.audioBaseTime,
			Samples:  w.audioSamples,
		})
		for _, s := range w.audioSamples {
			w.audioBaseTime += uint64(s.Duration)
		}
		w.audioSamples = nil
	}

	if err := part.Marshal(w.file); err != nil {
		return nvrerrors.New(nvrerrors.KindResourceExhaustion, "write fragment", err)
	}
	w.sequenceNumber++
	return nil
}

// Close finalizes the current file, flushing its fragment index, and marks
// this writer unusable for further writes.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.finalizeFile()
}

// CurrentPath reports the path of the file currently open, or "" if none.
func (w *Writer) CurrentPath() string {
	return w.path
}

// HasAudio reports whether the audio track is still active (false once the
// audio guard has dropped it).
func (w *Writer) HasAudio() bool {
	return w.hasAudio
}

func buildVideoCodec(params media.CodecParameters) (mp4.Codec, error) {
	switch params.Codec {
	case media.CodecH264:
		sps, pps, err := splitH264Extradata(params.Extradata)
		if err != nil {
			return nil, err
		}
		return &mp4.CodecH264{SPS: sps, PPS: pps}, nil
	case media.CodecH265:
		vps, sps, pps, err := splitH265Extradata(params.Extradata)
		if err != nil {
			return nil, err
		}
		return &mp4.CodecH265{VPS: vps, SPS: sps, PPS: pps}, nil
	default:
		return nil, fmt.Errorf("unsupported video codec %s", params.Codec)
	}
}

func buildAudioCodec(params media.CodecParameters) (mp4.Codec, error) {
	config, err := parseAudioSpecificConfig(params)
	if err != nil {
		return nil, err
	}
	return &mp4.CodecMPEG4Audio{Config: config}, nil
}

func audioFrameDuration(params media.CodecParameters) uint32 {
	if params.SampleRate <= 0 {
		return 1024
	}
	// One AAC frame is 1024 samples regardless of sample rate.
	return 1024
}
