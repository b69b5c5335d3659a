// Package checksum holds the checksums of the on-disk formats: a masked
// CRC32C over WAL fragments and the MANIFEST, and XXH3-64 over checkpoints
// and store shards.
package checksum

import (
	"hash/crc32"
	"math/bits"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli CRC of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ExtendCRC32C returns the CRC of prefix+data, given crc, the CRC of prefix.
func ExtendCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// A CRC stored inside a region that is itself checksummed is masked first.
const maskDelta = 0xa282ead8

// MaskCRC returns the stored form of crc.
func MaskCRC(crc uint32) uint32 {
	return bits.RotateLeft32(crc, 17) + maskDelta
}

// UnmaskCRC inverts MaskCRC.
func UnmaskCRC(stored uint32) uint32 {
	return bits.RotateLeft32(stored-maskDelta, -17)
}
