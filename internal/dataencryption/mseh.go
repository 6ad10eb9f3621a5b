// Package dataencryption provides the MSEH envelope format and DataEncryptionService.
//
// Wire format:
//
//	[4 bytes: 0x4D 0x53 0x45 0x48]  "MSEH" magic
//	[varint32: version]
//	[varint32: provider ID byte length][provider ID bytes]
//	[varint32: nonce byte length][nonce bytes]
//	[ciphertext bytes]
package dataencryption

import (
	"fmt"
	"io"
)

var magic = [4]byte{0x4D, 0x53, 0x45, 0x48} // "MSEH"

// Header is the decoded MSEH envelope header.
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// HasMagic reports whether b starts with the MSEH magic bytes.
func HasMagic(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

// WriteHeader encodes h as an MSEH envelope prefix and writes it to w.
func WriteHeader(w io.Writer, h Header) error {
	providerID := []byte(h.ProviderID)
	size := 4 +
		varintLen(h.Version) +
		varintLen(uint32(len(providerID))) + len(providerID) +
		varintLen(uint32(len(h.Nonce))) + len(h.Nonce)
	buf := make([]byte, size)
	copy(buf[:4], magic[:])
	n := 4
	n += putVarint32(buf[n:], h.Version)
	n += putVarint32(buf[n:], uint32(len(providerID)))
	n += copy(buf[n:], providerID)
	n += putVarint32(buf[n:], uint32(len(h.Nonce)))
	copy(buf[n:], h.Nonce)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads the MSEH magic + version + provider ID + nonce fields from r.
// Returns (header, true, nil) on success, (nil, false, nil) if magic is absent,
// or (nil, true, err) on a read error after the magic has been confirmed present.
func ReadHeader(r io.Reader) (*Header, bool, error) {
	var mgc [4]byte
	if _, err := io.ReadFull(r, mgc[:]); err != nil {
		return nil, false, nil // not enough bytes — treat as no magic
	}
	if mgc != magic {
		return nil, false, nil
	}
	version, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: reading version: %w", err)
	}
	// Guards against a crafted header advertising huge field lengths. Current
	// providers write a short provider ID (e.g. "dek", "kms", "vault") and a
	// 12-byte AES-GCM nonce, both well under 64 bytes. 4 KiB is orders of
	// magnitude above any legitimate value.
	const maxFieldLen = 4096
	providerIDLen, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: reading provider id length: %w", err)
	}
	if providerIDLen > maxFieldLen {
		return nil, true, fmt.Errorf("mseh: provider id length %d exceeds maximum %d", providerIDLen, maxFieldLen)
	}
	providerID := make([]byte, providerIDLen)
	if _, err := io.ReadFull(r, providerID); err != nil {
		return nil, true, fmt.Errorf("mseh: reading provider id: %w", err)
	}
	nonceLen, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: reading nonce length: %w", err)
	}
	if nonceLen > maxFieldLen {
		return nil, true, fmt.Errorf("mseh: nonce length %d exceeds maximum %d", nonceLen, maxFieldLen)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, true, fmt.Errorf("mseh: reading nonce: %w", err)
	}
	return &Header{
		Version:    version,
		ProviderID: string(providerID),
		Nonce:      nonce,
	}, true, nil
}

// ── varint32 helpers ──

func putVarint32(b []byte, v uint32) int {
	n := 0
	for v >= 0x80 {
		b[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	b[n] = byte(v)
	return n + 1
}

func varintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readVarint32(r io.Reader) (uint32, error) {
	var v uint32
	var buf [1]byte
	for i := range 5 {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v |= uint32(buf[0]&0x7F) << (7 * uint(i))
		if buf[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("mseh: varint32 overflow")
}
