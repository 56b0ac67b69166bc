package hash

import (
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of parts as if they were one slice.
func CRC32C(parts ...[]byte) uint32 {
	var sum uint32
	for _, p := range parts {
		sum = crc32.Update(sum, castagnoli, p)
	}
	return sum
}

// MismatchError reports data that does not hash to its stored checksum.
type MismatchError struct {
	Stored   uint32
	Computed uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", e.Stored, e.Computed)
}

// Verify returns a *MismatchError unless parts hash to stored.
func Verify(stored uint32, parts ...[]byte) error {
	if got := CRC32C(parts...); got != stored {
		return &MismatchError{Stored: stored, Computed: got}
	}
	return nil
}
