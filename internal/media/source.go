package media

import (
	"context"
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

// PCMA at 8 kHz with a 20 ms packetization interval.
const (
	FrameDuration = 20 * time.Millisecond
	FrameBytes    = 160

	// A-law encoding of silence.
	pcmaSilence = 0xD5
)

// AudioSource produces outbound call audio, one 20 ms A-law frame at a time.
// ReadFrame fills buf (always FrameBytes long) and returns io.EOF when the
// source is exhausted.
type AudioSource interface {
	ReadFrame(buf []byte) error
}

// SilenceSource is an AudioSource that never runs out of A-law silence.
// Useful for keeping the RTP stream alive when no capture device is wired up.
type SilenceSource struct{}

func (SilenceSource) ReadFrame(buf []byte) error {
	for i := range buf {
		buf[i] = pcmaSilence
	}
	return nil
}

// sampleWriter is the subset of TrackLocalStaticSample the pump needs.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// pumpAudio reads frames from src and writes them to the track on a 20 ms
// tick until the context is cancelled or the source returns an error. When
// muted returns true the frame read from the source is discarded and silence
// goes out instead, so the source keeps advancing in real time.
func pumpAudio(ctx context.Context, src AudioSource, track sampleWriter, muted func() bool) error {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	frame := make([]byte, FrameBytes)
	silence := make([]byte, FrameBytes)
	for i := range silence {
		silence[i] = pcmaSilence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := src.ReadFrame(frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		out := frame
		if muted != nil && muted() {
			out = silence
		}
		if err := track.WriteSample(media.Sample{Data: out, Duration: FrameDuration}); err != nil {
			return err
		}
	}
}
