// Package quic recovers the TLS ClientHello from a QUIC v1 Initial packet.
// It derives the Initial keys from the Destination Connection ID (RFC 9001
// §5.2), removes header protection (§5.4), opens the AEAD payload, and walks
// the frames for CRYPTO data. It never produces QUIC packets.
package quic

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// initialSaltV1 is the QUIC v1 Initial salt (RFC 9001 §5.2).
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// initialKeys holds the client Initial packet protection keys for one
// datagram inspection. Zeroed immediately after decryption.
type initialKeys struct {
	key [16]byte // AEAD key (AES-128-GCM)
	iv  [12]byte // AEAD IV
	hp  [16]byte // header protection key (AES-128-ECB)
}

// deriveClientInitialSecret computes the client Initial secret for a DCID.
func deriveClientInitialSecret(dcid []byte) []byte {
	initialSecret := hkdf.Extract(sha256.New, dcid, initialSaltV1)
	return hkdfExpandLabel(initialSecret, "client in", nil, 32)
}

// deriveInitialKeys derives (key, iv, hp) from a DCID for the client
// direction.
func deriveInitialKeys(dcid []byte) *initialKeys {
	secret := deriveClientInitialSecret(dcid)

	keys := &initialKeys{}
	copy(keys.key[:], hkdfExpandLabel(secret, "quic key", nil, 16))
	copy(keys.iv[:], hkdfExpandLabel(secret, "quic iv", nil, 12))
	copy(keys.hp[:], hkdfExpandLabel(secret, "quic hp", nil, 16))
	return keys
}

// zero wipes the key material.
func (k *initialKeys) zero() {
	for i := range k.key {
		k.key[i] = 0
	}
	for i := range k.iv {
		k.iv[i] = 0
	}
	for i := range k.hp {
		k.hp[i] = 0
	}
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 §7.1 with the
// SHA-256 hash. The info field is:
//
//	uint16 length || uint8 len("tls13 "+label) || "tls13 "+label ||
//	uint8 len(context) || context
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label

	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	reader := hkdf.Expand(sha256.New, secret, info)
	if _, err := reader.Read(out); err != nil {
		// The expand reader only fails past 255*HashLen output bytes,
		// far beyond any label used here.
		panic("quic: hkdf expand: " + err.Error())
	}
	return out
}
