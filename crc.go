package htu21d

// crcDivisor is the generator polynomial x^8 + x^5 + x^4 + 1 (0x131)
// aligned to the top of a 24-bit word.
const crcDivisor = 0x988000

// crcCheck validates a measurement reply by long division of the 24-bit
// word msb|lsb|crc. The remainder is zero iff the checksum matches.
func crcCheck(msb, lsb, crc byte) bool {
	remainder := (uint32(msb)<<8|uint32(lsb))<<8 | uint32(crc)
	divisor := uint32(crcDivisor)

	for i := 0; i < 16; i++ {
		if remainder&(1<<(23-i)) != 0 {
			remainder ^= divisor
		}
		divisor >>= 1
	}

	return remainder == 0
}
