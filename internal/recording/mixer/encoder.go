package mixer

import opus "gopkg.in/hraban/opus.v2"

// Encoder is the minimal surface the mix tick needs from an Opus encoder,
// treated as a black-box codec: the mixer only cares that PCM in yields one
// packet out.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// opusEncoder adapts gopkg.in/hraban/opus.v2 to Encoder.
type opusEncoder struct {
	enc *opus.Encoder
}

// NewOpusEncoder builds a VoIP-tuned Opus encoder at the given sample rate
// (48000) and channel count (2, matching the stereo mix tick), targeting
// bitrateKbps kbit/s.
func NewOpusEncoder(sampleRate, channels, bitrateKbps int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(bitrateKbps * 1000); err != nil {
		return nil, err
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) Encode(pcm []int16, data []byte) (int, error) {
	return e.enc.Encode(pcm, data)
}
