package jd

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) one byte at
// a time with the table-free shift/xor formula, no bit loop.
func CRC16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, d := range b {
		x := byte(crc>>8) ^ d
		x ^= x >> 4
		crc = (crc << 8) ^ uint16(x)<<12 ^ uint16(x)<<5 ^ uint16(x)
	}
	return crc
}
