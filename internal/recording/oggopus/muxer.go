// Package oggopus implements the bespoke Ogg container muxer (C3): it wraps
// a stream of Opus packets in Ogg pages with a running granule position,
// flushing pages proactively at the 255-segment lacing limit, on demand, and
// with the end-of-stream flag set at Close. No third-party module
// implements Ogg framing; the nearest reference (pion's
// pkg/media/oggwriter) writes one packet per page and derives granule from
// the caller's RTP timestamp. This muxer instead accumulates packets across
// pages and derives granule purely from Opus TOC bytes (§4.3).
package oggopus

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrPacketTooLarge is returned when a single Opus packet needs more than
// 255 lacing segments and therefore cannot fit on one Ogg page.
var ErrPacketTooLarge = errors.New("oggopus: packet exceeds a single page")

const vendorString = "tsvoicebot-recorder"

// Muxer accumulates Opus packets into Ogg pages and writes them to an
// underlying stream. It is not safe for concurrent use; the mix tick drives
// it while already holding the recording mutex.
type Muxer struct {
	w        io.Writer
	serial   uint32
	sequence uint32

	flushedGranule uint64 // samples committed to pages already written
	pendingGranule uint64 // samples in packets accumulated but not flushed

	curLacing []byte
	curPayload []byte

	fallbackSamples int
	headersWritten  bool
	closed          bool
}

// NewMuxer creates a muxer for one logical Ogg/Opus stream. serial should be
// unique per segment file; fallbackSamples is the granule increment used
// for the pathological short-packet case documented on FrameSamples.
func NewMuxer(w io.Writer, serial uint32, fallbackSamples int) *Muxer {
	return &Muxer{
		w:               w,
		serial:          serial,
		fallbackSamples: fallbackSamples,
	}
}

// WriteHeaders writes the OpusHead and OpusTags pages that must open every
// Ogg/Opus stream (RFC 7845 §5). It must be called exactly once, before any
// WritePacket call.
func (m *Muxer) WriteHeaders(sampleRate uint32, channels uint8, preSkip uint16) error {
	if m.headersWritten {
		return errors.New("oggopus: headers already written")
	}

	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1 // version
	head[9] = channels
	binary.LittleEndian.PutUint16(head[10:12], preSkip)
	binary.LittleEndian.PutUint32(head[12:16], sampleRate)
	binary.LittleEndian.PutUint16(head[16:18], 0) // output gain
	head[18] = 0                                  // channel mapping family

	tags := make([]byte, 0, 8+4+len(vendorString)+4)
	tags = append(tags, "OpusTags"...)
	vendorLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(vendorLen, uint32(len(vendorString)))
	tags = append(tags, vendorLen...)
	tags = append(tags, vendorString...)
	tags = append(tags, 0, 0, 0, 0) // zero user comments

	if _, err := m.w.Write(buildPage(flagBOS, 0, m.serial, m.sequence, lacingEntries(len(head)), head)); err != nil {
		return err
	}
	m.sequence++
	if _, err := m.w.Write(buildPage(0, 0, m.serial, m.sequence, lacingEntries(len(tags)), tags)); err != nil {
		return err
	}
	m.sequence++

	m.headersWritten = true
	return nil
}

// WritePacket appends one Opus packet to the current page, flushing the
// prior page first if the packet would push its lacing table past 255
// segments, and flushing this page immediately if it lands exactly on 255.
func (m *Muxer) WritePacket(packet []byte) error {
	if m.closed {
		return errors.New("oggopus: write after close")
	}
	entries := lacingEntries(len(packet))
	if len(entries) > maxSegments {
		return ErrPacketTooLarge
	}

	if len(m.curLacing)+len(entries) > maxSegments {
		if err := m.Flush(); err != nil {
			return err
		}
	}

	samples, err := FrameSamples(packet, m.fallbackSamples)
	if err != nil {
		return err
	}

	m.curLacing = append(m.curLacing, entries...)
	m.curPayload = append(m.curPayload, packet...)
	m.pendingGranule += uint64(samples)

	if len(m.curLacing) == maxSegments {
		return m.Flush()
	}
	return nil
}

// Flush writes the accumulated page, if any, making everything written so
// far playable up to its granule position. It is a no-op when no packets
// are pending.
func (m *Muxer) Flush() error {
	return m.flush(0)
}

// Close flushes any pending page with the end-of-stream flag set. If
// nothing is pending, it still emits a zero-payload EOS page so the stream
// has a well-formed terminator.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.flush(flagEOS)
}

func (m *Muxer) flush(extraFlags byte) error {
	if len(m.curLacing) == 0 && extraFlags == 0 {
		return nil
	}

	granule := m.flushedGranule + m.pendingGranule
	page := buildPage(extraFlags, granule, m.serial, m.sequence, m.curLacing, m.curPayload)
	if _, err := m.w.Write(page); err != nil {
		return err
	}

	m.flushedGranule = granule
	m.pendingGranule = 0
	m.curLacing = nil
	m.curPayload = nil
	m.sequence++
	return nil
}

// GranulePosition returns the total samples committed to flushed pages,
// i.e. the duration (at 48 kHz) of everything durably written so far.
func (m *Muxer) GranulePosition() uint64 {
	return m.flushedGranule
}
