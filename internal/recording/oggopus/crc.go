package oggopus

// Ogg's page checksum uses CRC-32 with polynomial 0x04C11DB7, no input/output
// reflection, and an initial value of 0 — the opposite convention from the
// IEEE/Castagnoli tables in the standard library's hash/crc32, so it cannot
// be expressed with that package and is generated here instead (matching
// the hand-rolled Ogg CRC table in pion's pkg/media/oggwriter).
const crcPolynomial uint32 = 0x04c11db7

var crcTable = generateCRCTable()

func generateCRCTable() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ crcPolynomial
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}

// checksum computes the Ogg page CRC-32 over data, which must already have
// its checksum field (bytes 22..25 of the page header) zeroed.
func checksum(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
