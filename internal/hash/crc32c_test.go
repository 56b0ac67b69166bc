package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32C_PartsMatchWhole(t *testing.T) {
	data := []byte("segment-000001.seg")

	assert.Equal(t, CRC32C(data), CRC32C(data[:7], data[7:]))
	assert.Equal(t, CRC32C(data), CRC32C(nil, data, []byte{}))
	assert.NotEqual(t, CRC32C(data), CRC32C([]byte("segment-000002.seg")))
	assert.Zero(t, CRC32C())
}

func TestVerify(t *testing.T) {
	data := []byte("MANIFEST-000003.bin")
	require.NoError(t, Verify(CRC32C(data), data))

	err := Verify(CRC32C(data)+1, data)
	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, CRC32C(data), mm.Computed)
	assert.Contains(t, err.Error(), "checksum mismatch")
}
