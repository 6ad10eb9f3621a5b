package dataencryption_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/solenoid-labs/contextvault/internal/dataencryption"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip verifies that WriteHeader and ReadHeader are inverses.
func TestRoundTrip(t *testing.T) {
	headers := []dataencryption.Header{
		{Version: 1, ProviderID: "dek", Nonce: make([]byte, 12)},
		{Version: 1, ProviderID: "vault", Nonce: make([]byte, 12)},
		{Version: 1, ProviderID: "kms", Nonce: bytes.Repeat([]byte{0xAB}, 12)},
	}
	for _, h := range headers {
		var buf bytes.Buffer
		require.NoError(t, dataencryption.WriteHeader(&buf, h))

		got, hasMagic, err := dataencryption.ReadHeader(&buf)
		require.NoError(t, err)
		require.True(t, hasMagic)
		require.Equal(t, h.Version, got.Version)
		require.Equal(t, h.ProviderID, got.ProviderID)
		require.Equal(t, h.Nonce, got.Nonce)
	}
}

// TestHasMagic checks that HasMagic correctly identifies MSEH-prefixed data.
func TestHasMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version: 1, ProviderID: "dek", Nonce: make([]byte, 12),
	}))
	ciphertext := append(buf.Bytes(), []byte("payload")...)

	require.True(t, dataencryption.HasMagic(ciphertext))
	require.False(t, dataencryption.HasMagic([]byte("not MSEH")))
	require.False(t, dataencryption.HasMagic(nil))
	require.False(t, dataencryption.HasMagic([]byte{0x4D, 0x53})) // too short
}

// TestReadHeaderNoMagic verifies that ReadHeader returns (nil, false, nil) for non-MSEH data.
func TestReadHeaderNoMagic(t *testing.T) {
	h, hasMagic, err := dataencryption.ReadHeader(bytes.NewReader([]byte("plaintext data")))
	require.NoError(t, err)
	require.False(t, hasMagic)
	require.Nil(t, h)
}

// TestWireFormat verifies the exact byte layout of the envelope header.
// Layout: [4 magic][varint version][varint len][provider_id][varint len][nonce]
func TestWireFormat(t *testing.T) {
	iv := make([]byte, 12) // all zeros

	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version:    1,
		ProviderID: "dek",
		Nonce:      iv,
	}))
	b := buf.Bytes()

	// Magic
	require.Equal(t, []byte{0x4D, 0x53, 0x45, 0x48}, b[:4])

	// Version varint: value 1 fits in a single byte.
	require.Equal(t, byte(0x01), b[4])

	// Provider ID: varint length 3, then "dek".
	require.Equal(t, byte(0x03), b[5])
	require.Equal(t, []byte("dek"), b[6:9])

	// Nonce: varint length 12, then 12 zero bytes.
	require.Equal(t, byte(0x0C), b[9])
	require.Equal(t, make([]byte, 12), b[10:22])

	require.Equal(t, 22, len(b))
}

// TestBigEndianUnused ensures encoding/binary big-endian is available for test use.
func TestBigEndianUnused(t *testing.T) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, 0x4D534548)
	require.Equal(t, []byte{0x4D, 0x53, 0x45, 0x48}, b)
}
