// Opus encoding for voice streaming, grounded on the teacher's
// pkg/audio/opus.go OpusProcessor: same gopus.NewEncoder(48000, 2,
// gopus.Audio) call, same Discord-mandated 960-sample/20ms frame size.
package player

import (
	"fmt"
	"sync"

	"layeh.com/gopus"
)

const (
	opusSampleRate   = 48000
	opusChannels     = 2
	opusFrameSamples = 960 // per channel; Discord requires 20ms frames
	opusMaxFrameSize = 4000
)

// OpusEncoder wraps a gopus encoder configured for Discord voice.
type OpusEncoder struct {
	mu      sync.Mutex
	encoder *gopus.Encoder
}

// NewOpusEncoder creates and configures a gopus encoder for Discord voice
// streaming (48kHz stereo, at the given bitrate).
func NewOpusEncoder(bitrate int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	enc.SetBitrate(bitrate)
	enc.SetVbr(true)
	return &OpusEncoder{encoder: enc}, nil
}

// FrameSampleCount returns the total PCM sample count (all channels) one
// call to Encode expects.
func (e *OpusEncoder) FrameSampleCount() int { return opusFrameSamples * opusChannels }

// Encode converts one 20ms PCM frame to an Opus packet.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(pcm) != e.FrameSampleCount() {
		return nil, fmt.Errorf("invalid pcm frame size: expected %d samples, got %d", e.FrameSampleCount(), len(pcm))
	}
	data, err := e.encoder.Encode(pcm, opusFrameSamples, opusMaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	return data, nil
}
