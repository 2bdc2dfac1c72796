package oggopus

import "encoding/binary"

const (
	pageHeaderSize = 27 // fixed portion, before the lacing table
	maxSegments    = 255

	flagContinued = 0x01
	flagBOS       = 0x02
	flagEOS       = 0x04
)

// lacingEntries returns the Ogg segment-table bytes for a single packet of
// the given length: a run of 255-byte segments followed by a terminator
// segment in [0,254]. A packet whose length is an exact multiple of 255
// gets a trailing zero-length segment, per the Ogg lacing rule.
func lacingEntries(payloadLen int) []byte {
	n := payloadLen / 255
	rem := payloadLen % 255
	entries := make([]byte, 0, n+1)
	for i := 0; i < n; i++ {
		entries = append(entries, 255)
	}
	entries = append(entries, byte(rem))
	return entries
}

// buildPage serializes one Ogg page: header (with checksum computed over
// the whole page, per the Ogg framing spec) followed by payload.
func buildPage(flags byte, granule uint64, serial, sequence uint32, lacing, payload []byte) []byte {
	page := make([]byte, pageHeaderSize+len(lacing)+len(payload))
	copy(page[0:4], "OggS")
	page[4] = 0 // stream structure version
	page[5] = flags
	binary.LittleEndian.PutUint64(page[6:14], granule)
	binary.LittleEndian.PutUint32(page[14:18], serial)
	binary.LittleEndian.PutUint32(page[18:22], sequence)
	// page[22:26] checksum left zero for the checksum pass below
	page[26] = byte(len(lacing))
	copy(page[27:27+len(lacing)], lacing)
	copy(page[27+len(lacing):], payload)

	crc := checksum(page)
	binary.LittleEndian.PutUint32(page[22:26], crc)
	return page
}
