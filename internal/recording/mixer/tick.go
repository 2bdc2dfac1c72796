// Package mixer implements the 20 ms mix tick (C2): per-sender PCM is
// drained from jitter buffers, saturate-summed into one stereo frame,
// encoded to Opus, and handed to the currently attached muxer and waveform
// sink. Grounded on other_examples' Raikerian audio_mixer.go RMS/byte
// conversion helpers, generalized from that file's RMS-weighted dynamic
// compression down to a simpler saturating integer sum — the per-sender
// RMS byte and "mixed" RMS formulas are kept but the dominant
// dynamic-range compression logic is not: this mixer does a plain
// saturating mix, not a loudness-normalized one.
package mixer

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/tsvoicebot/recorder/internal/recording/identity"
	"github.com/tsvoicebot/recorder/internal/recording/jitter"
	"github.com/tsvoicebot/recorder/internal/recording/oggopus"
	"github.com/tsvoicebot/recorder/internal/recording/waveform"
)

const (
	// SamplesPerTick is the interleaved stereo sample count of one 20 ms
	// frame at 48 kHz (960 frames/channel * 2 channels).
	SamplesPerTick = 1920
	// BytesPerTick is SamplesPerTick 16-bit PCM samples, little-endian.
	BytesPerTick = SamplesPerTick * 2

	staleAfter = 30 * time.Second
)

// TickStats summarizes one mix tick's output, for callers that log or test
// against it.
type TickStats struct {
	Contributors int
	MixedRMS     byte
	RMSByUID     map[string]byte
	Removed      []identity.SenderID
}

// Mixer owns the per-sender jitter buffers and drives one encode per tick.
// Every method assumes the caller already holds the recording mutex; Mixer
// does no internal locking of its own.
type Mixer struct {
	resolver identity.Resolver
	encoder  Encoder

	buffers map[identity.SenderID]*jitter.Buffer

	muxer    *oggopus.Muxer
	waveform *waveform.Sink

	scratch    []byte
	opusPacket []byte
	mixedInt16 []int16
}

// New creates a mixer with no segment attached; AttachSegment must be
// called before the first Tick.
func New(resolver identity.Resolver, encoder Encoder) *Mixer {
	return &Mixer{
		resolver:   resolver,
		encoder:    encoder,
		buffers:    make(map[identity.SenderID]*jitter.Buffer),
		scratch:    make([]byte, BytesPerTick),
		opusPacket: make([]byte, 4000), // comfortably above any Opus packet at 20ms
		mixedInt16: make([]int16, SamplesPerTick),
	}
}

// AttachSegment points the mixer at a freshly opened (or rotated-into)
// segment's muxer and waveform sink. Called by the segment lifecycle while
// holding the recording mutex (§4.5 Rotate step 2).
func (m *Mixer) AttachSegment(muxer *oggopus.Muxer, sink *waveform.Sink) {
	m.muxer = muxer
	m.waveform = sink
}

// Write enqueues decoded PCM for sender, creating its jitter buffer on
// first use. Callers must have already applied the membership filter
// (§4.2): PCM from a sender outside the bot's channel must never reach
// Write.
func (m *Mixer) Write(sender identity.SenderID, pcm []byte) {
	buf, ok := m.buffers[sender]
	if !ok {
		buf = jitter.New()
		m.buffers[sender] = buf
	}
	buf.Write(pcm)
}

// Tick runs one 20 ms mix cycle: prune stale senders, sum contributions,
// encode, and feed the attached muxer and waveform sink.
func (m *Mixer) Tick(now time.Time) (TickStats, error) {
	var acc [SamplesPerTick]int32
	stats := TickStats{RMSByUID: make(map[string]byte)}

	for sender, buf := range m.buffers {
		if buf.LastWrite().IsZero() {
			continue
		}
		if now.Sub(buf.LastWrite()) > staleAfter {
			delete(m.buffers, sender)
			stats.Removed = append(stats.Removed, sender)
			continue
		}

		if !buf.ReadFrame(m.scratch) {
			continue
		}
		stats.Contributors++

		var sumSq float64
		for i := 0; i < SamplesPerTick; i++ {
			v := int16(binary.LittleEndian.Uint16(m.scratch[i*2 : i*2+2]))
			acc[i] += int32(v)
			sumSq += float64(v) * float64(v)
		}

		if id, ok := m.resolver.TryGetClientIdentity(sender); ok {
			rmsByte := rmsToByte(math.Sqrt(sumSq / SamplesPerTick))
			stats.RMSByUID[id.UID] = rmsByte
			if m.waveform != nil {
				if err := m.waveform.EnsureTrack(id.UID, id.DisplayName); err != nil {
					return stats, err
				}
			}
		}
	}

	var mixedSumSq float64
	for uid := range stats.RMSByUID {
		v := float64(stats.RMSByUID[uid])
		mixedSumSq += v * v
	}
	stats.MixedRMS = clampByte(math.Sqrt(mixedSumSq))

	for i := 0; i < SamplesPerTick; i++ {
		m.mixedInt16[i] = saturateInt16(acc[i])
	}

	if m.encoder != nil && m.muxer != nil {
		n, err := m.encoder.Encode(m.mixedInt16, m.opusPacket)
		if err != nil {
			return stats, err
		}
		if err := m.muxer.WritePacket(m.opusPacket[:n]); err != nil {
			return stats, err
		}
	}

	if m.waveform != nil {
		if err := m.waveform.AppendTick(stats.RMSByUID, stats.MixedRMS); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// Flush pushes the currently attached muxer and waveform sink to durable
// storage (§4.2 step 8, driven every 1 s by the caller).
func (m *Mixer) Flush() error {
	if m.muxer != nil {
		if err := m.muxer.Flush(); err != nil {
			return err
		}
	}
	if m.waveform != nil {
		if err := m.waveform.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all sender buffers, used on stop (§4.5).
func (m *Mixer) Reset() {
	m.buffers = make(map[identity.SenderID]*jitter.Buffer)
	m.muxer = nil
	m.waveform = nil
}

func saturateInt16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// rmsToByte converts a raw int16-domain RMS value to a clamped 0..255 byte.
func rmsToByte(rms float64) byte {
	return clampByte(rms / 32767 * 255)
}

// clampByte rounds and clamps a value already on a 0..255 scale.
func clampByte(v float64) byte {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
