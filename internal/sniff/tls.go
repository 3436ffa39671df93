package sniff

import (
	"encoding/binary"
	"errors"
)

// TLS record types
const (
	tlsRecordTypeHandshake = 22
)

// TLS handshake types
const (
	tlsHandshakeTypeClientHello = 1
)

// TLS extension types
const (
	tlsExtensionSNI = 0x0000
	tlsExtensionECH = 0xfe0d
)

// SNI name types
const (
	sniNameTypeHostname = 0
)

var (
	// ErrShortData is returned when the buffer ends before the structure it
	// declares.
	ErrShortData = errors.New("sniff: short data")

	// ErrNotHandshake is returned when the record is not a TLS handshake.
	ErrNotHandshake = errors.New("sniff: not a TLS handshake record")

	// ErrNotClientHello is returned when the handshake message is not a
	// ClientHello.
	ErrNotClientHello = errors.New("sniff: not a ClientHello message")

	// ErrMalformedExtension is returned when an extension block has
	// inconsistent lengths.
	ErrMalformedExtension = errors.New("sniff: malformed extension")

	// ErrNoSNI is returned when a well-formed ClientHello carries no
	// server_name extension. It marks an absent value, not a parse failure.
	ErrNoSNI = errors.New("sniff: no SNI in ClientHello")

	// ErrEncryptedHello is returned when the ClientHello uses Encrypted
	// ClientHello; the real server name is not recoverable.
	ErrEncryptedHello = errors.New("sniff: encrypted ClientHello")
)

// ExtractSNI parses a TLS record beginning at data[0] and returns the
// hostname from the server_name extension of the ClientHello inside it.
// The walk slices the input without copying it; allocations happen only
// when the hostname is extracted and normalized.
func ExtractSNI(data []byte) (string, error) {
	// TLS record header: content type (1) + version (2) + length (2)
	if len(data) < 5 {
		return "", ErrShortData
	}
	if data[0] != tlsRecordTypeHandshake {
		return "", ErrNotHandshake
	}
	if data[1] != 0x03 {
		return "", ErrNotHandshake
	}

	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if recordLen < 4 || recordLen > 16384 {
		return "", ErrNotHandshake
	}
	if len(data) < 5+recordLen {
		return "", ErrShortData
	}

	return ExtractSNIFromHandshake(data[5 : 5+recordLen])
}

// ExtractSNIFromHandshake parses a TLS handshake message (without the record
// layer) and returns the hostname from the server_name extension. The QUIC
// pipeline enters here because CRYPTO frames carry handshake bytes directly.
func ExtractSNIFromHandshake(data []byte) (string, error) {
	// Handshake header: type (1) + length (3)
	if len(data) < 4 {
		return "", ErrShortData
	}
	if data[0] != tlsHandshakeTypeClientHello {
		return "", ErrNotClientHello
	}

	handshakeLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if len(data) < 4+handshakeLen {
		return "", ErrShortData
	}
	data = data[4 : 4+handshakeLen]

	pos := 0

	// Legacy version (2) + random (32)
	if pos+34 > len(data) {
		return "", ErrShortData
	}
	pos += 34

	// Session ID
	if pos+1 > len(data) {
		return "", ErrShortData
	}
	sessionIDLen := int(data[pos])
	pos++
	if pos+sessionIDLen > len(data) {
		return "", ErrShortData
	}
	pos += sessionIDLen

	// Cipher suites
	if pos+2 > len(data) {
		return "", ErrShortData
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+cipherSuitesLen > len(data) {
		return "", ErrShortData
	}
	pos += cipherSuitesLen

	// Compression methods
	if pos+1 > len(data) {
		return "", ErrShortData
	}
	compressionLen := int(data[pos])
	pos++
	if pos+compressionLen > len(data) {
		return "", ErrShortData
	}
	pos += compressionLen

	if pos == len(data) {
		// No extensions block at all.
		return "", ErrNoSNI
	}
	if pos+2 > len(data) {
		return "", ErrShortData
	}
	extensionsLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+extensionsLen > len(data) {
		return "", ErrShortData
	}

	// Walk the full extensions block before answering: an ECH extension
	// anywhere means the outer server_name is a decoy public name.
	extensionsEnd := pos + extensionsLen
	var sniData []byte
	for pos+4 <= extensionsEnd {
		extType := binary.BigEndian.Uint16(data[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4

		if pos+extLen > extensionsEnd {
			return "", ErrMalformedExtension
		}

		switch extType {
		case tlsExtensionSNI:
			sniData = data[pos : pos+extLen]
		case tlsExtensionECH:
			return "", ErrEncryptedHello
		}

		pos += extLen
	}

	if sniData == nil {
		return "", ErrNoSNI
	}
	return parseServerNameList(sniData)
}

// parseServerNameList extracts the hostname from a ServerNameList.
func parseServerNameList(data []byte) (string, error) {
	if len(data) < 2 {
		return "", ErrMalformedExtension
	}

	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+listLen {
		return "", ErrMalformedExtension
	}

	pos := 2
	listEnd := 2 + listLen

	for pos+3 <= listEnd {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3

		if pos+nameLen > listEnd {
			return "", ErrMalformedExtension
		}

		if nameType == sniNameTypeHostname {
			name := string(data[pos : pos+nameLen])
			for i := 0; i < len(name); i++ {
				if name[i] == 0 || name[i] >= 0x80 {
					return "", ErrInvalidHostname
				}
			}
			return NormalizeHostname(name)
		}

		pos += nameLen
	}

	return "", ErrNoSNI
}
