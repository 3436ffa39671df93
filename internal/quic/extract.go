package quic

import (
	"github.com/munichmade/sniproxy/internal/sniff"
)

// DecryptInitial runs the cryptographic pipeline on a raw datagram: long
// header parse, Initial key derivation from the DCID, header protection
// removal, and AEAD open. It returns the decrypted frame payload. Key
// material is wiped before returning.
func DecryptInitial(raw []byte) ([]byte, error) {
	hdr, err := ParseLongHeader(raw)
	if err != nil {
		return nil, err
	}

	keys := deriveInitialKeys(hdr.DCID)
	defer keys.zero()

	if err := removeHeaderProtection(keys, hdr, raw); err != nil {
		return nil, err
	}

	return decryptPayload(keys, hdr, raw)
}

// ExtractServerName recovers the TLS SNI from a client Initial datagram.
// The CRYPTO payload must contain a complete ClientHello starting at stream
// offset 0; anything else fails the pipeline for this datagram.
func ExtractServerName(raw []byte) (string, error) {
	plaintext, err := DecryptInitial(raw)
	if err != nil {
		return "", err
	}

	data, err := cryptoData(plaintext)
	if err != nil {
		return "", err
	}

	return sniff.ExtractSNIFromHandshake(data)
}
