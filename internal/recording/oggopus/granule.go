package oggopus

import "errors"

// ErrEmptyPacket is returned when FrameSamples is given a zero-length Opus
// packet, which carries no TOC byte and therefore no frame-size information.
var ErrEmptyPacket = errors.New("oggopus: empty opus packet")

// FrameSamples returns the number of 48 kHz samples represented by a single
// Opus packet, derived from its TOC byte (RFC 6716 §3.1). fallbackSamples is
// used for the pathological case of a TOC signaling an arbitrary frame count
// (code c == 3) in a packet too short to carry the frame-count byte that
// would normally follow the TOC.
func FrameSamples(packet []byte, fallbackSamples int) (int, error) {
	if len(packet) == 0 {
		return 0, ErrEmptyPacket
	}
	toc := packet[0]
	config := int(toc >> 3)
	c := toc & 0x03

	var frameCount int
	switch c {
	case 0:
		frameCount = 1
	case 1, 2:
		frameCount = 2
	default: // 3: arbitrary frame count, encoded in the byte following the TOC
		if len(packet) < 2 {
			return fallbackSamples, nil
		}
		frameCount = int(packet[1] & 0x3f)
	}

	return frameCount * frameSizeForConfig(config), nil
}

// frameSizeForConfig returns the per-frame sample count at 48 kHz for an
// Opus TOC configuration number, per RFC 6716 Table 2.
func frameSizeForConfig(config int) int {
	switch {
	case config < 12: // SILK-only
		return [4]int{480, 960, 1920, 2880}[config%4]
	case config < 16: // hybrid
		if config%2 == 0 {
			return 480
		}
		return 960
	default: // CELT-only, 16..31
		return [4]int{120, 240, 480, 960}[(config-16)%4]
	}
}
