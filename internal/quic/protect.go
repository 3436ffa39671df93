package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

const (
	// hpSampleLen is the header protection sample size (RFC 9001 §5.4.2).
	hpSampleLen = 16

	// aeadTagLen is the AES-128-GCM authentication tag size.
	aeadTagLen = 16
)

var (
	// ErrHeaderProtection is returned when the datagram is too short to
	// carry the header protection sample.
	ErrHeaderProtection = errors.New("quic: datagram too short for header protection sample")

	// ErrDecryptFailed is returned when the AEAD rejects the payload.
	ErrDecryptFailed = errors.New("quic: payload decryption failed")

	// ErrEmptyPayload is returned when the declared length leaves no
	// ciphertext after the packet number.
	ErrEmptyPayload = errors.New("quic: no payload in Initial packet")
)

// removeHeaderProtection recovers the unprotected first byte, packet number
// length and truncated packet number (RFC 9001 §5.4). raw is the whole
// datagram; the header's PNOffset must already be set. The header fields
// FirstByte, PNLength and PacketNumber are updated in place.
func removeHeaderProtection(keys *initialKeys, hdr *LongHeader, raw []byte) error {
	sampleOffset := hdr.PNOffset + 4
	if sampleOffset+hpSampleLen > len(raw) {
		return ErrHeaderProtection
	}
	sample := raw[sampleOffset : sampleOffset+hpSampleLen]

	block, err := aes.NewCipher(keys.hp[:])
	if err != nil {
		return err
	}
	var mask [aes.BlockSize]byte
	block.Encrypt(mask[:], sample)

	first := hdr.FirstByte ^ (mask[0] & 0x0f)
	pnLength := int(first&0x03) + 1

	if hdr.PNOffset+pnLength > len(raw) {
		return ErrShortPacket
	}

	var truncated uint64
	for i := 0; i < pnLength; i++ {
		b := raw[hdr.PNOffset+i] ^ mask[1+i]
		truncated = truncated<<8 | uint64(b)
	}

	hdr.FirstByte = first
	hdr.PNLength = pnLength
	hdr.PacketNumber = decodePacketNumber(truncated, pnLength, 0)
	return nil
}

// decodePacketNumber expands a truncated packet number around the expected
// value (RFC 9000 §17.1). The expected number for a client Initial on a
// fresh key is 0.
func decodePacketNumber(truncated uint64, pnLength int, expected uint64) uint64 {
	pnWin := uint64(1) << (8 * uint(pnLength))
	pnHwin := pnWin / 2
	pnMask := pnWin - 1

	candidate := (expected &^ pnMask) | truncated
	if candidate+pnHwin <= expected && candidate+pnWin < (1<<62) {
		return candidate + pnWin
	}
	if candidate > expected+pnHwin && candidate >= pnWin {
		return candidate - pnWin
	}
	return candidate
}

// decryptPayload opens the AEAD-protected payload of an Initial packet.
// Header protection must already be removed. The AAD is the unprotected
// header from datagram byte 0 through the end of the packet number.
func decryptPayload(keys *initialKeys, hdr *LongHeader, raw []byte) ([]byte, error) {
	if hdr.Length < uint64(hdr.PNLength)+aeadTagLen {
		return nil, ErrEmptyPayload
	}

	payloadStart := hdr.PNOffset + hdr.PNLength
	payloadEnd := hdr.PNOffset + int(hdr.Length)
	if payloadEnd > len(raw) {
		return nil, ErrShortPacket
	}
	ciphertext := raw[payloadStart:payloadEnd]

	// Nonce: IV XOR the big-endian, right-aligned packet number.
	var nonce [12]byte
	copy(nonce[:], keys.iv[:])
	pn := hdr.PacketNumber
	for i := len(nonce) - 1; i >= len(nonce)-8; i-- {
		nonce[i] ^= byte(pn)
		pn >>= 8
	}

	// AAD: unprotected header bytes with first byte and PN in the clear.
	aad := make([]byte, payloadStart)
	aad[0] = hdr.FirstByte
	copy(aad[1:], raw[1:hdr.PNOffset])
	pn = hdr.PacketNumber
	for i := hdr.PNLength - 1; i >= 0; i-- {
		aad[hdr.PNOffset+i] = byte(pn)
		pn >>= 8
	}

	block, err := aes.NewCipher(keys.key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
