package quic

import (
	"bytes"
	"errors"

	"github.com/quic-go/quic-go/quicvarint"
)

// Frame types accepted inside a client Initial.
const (
	frameTypePadding = 0x00
	frameTypePing    = 0x01
	frameTypeAck     = 0x02
	frameTypeAckECN  = 0x03
	frameTypeCrypto  = 0x06
)

var (
	// ErrNoCryptoFrame is returned when the Initial payload carries no
	// CRYPTO frame.
	ErrNoCryptoFrame = errors.New("quic: no CRYPTO frame in Initial packet")

	// ErrFragmentedCrypto is returned when CRYPTO data does not start at
	// offset 0; reassembly across Initial packets is not attempted.
	ErrFragmentedCrypto = errors.New("quic: fragmented CRYPTO stream")

	// ErrUnexpectedFrame is returned for frame types that cannot appear in
	// a client Initial, or whose fields are malformed.
	ErrUnexpectedFrame = errors.New("quic: unexpected frame in Initial packet")
)

// cryptoData walks the decrypted frames of an Initial packet and returns the
// CRYPTO payload starting at stream offset 0. PADDING and PING are skipped;
// ACK frames are skipped by parsing their variable-length fields.
func cryptoData(plaintext []byte) ([]byte, error) {
	cursor := bytes.NewReader(plaintext)

	for cursor.Len() > 0 {
		frameType, err := quicvarint.Read(cursor)
		if err != nil {
			return nil, ErrUnexpectedFrame
		}

		switch frameType {
		case frameTypePadding, frameTypePing:
			// Single-byte frames.

		case frameTypeAck, frameTypeAckECN:
			if err := skipAckFrame(cursor, frameType == frameTypeAckECN); err != nil {
				return nil, err
			}

		case frameTypeCrypto:
			offset, err := quicvarint.Read(cursor)
			if err != nil {
				return nil, ErrUnexpectedFrame
			}
			length, err := quicvarint.Read(cursor)
			if err != nil {
				return nil, ErrUnexpectedFrame
			}
			if offset != 0 {
				return nil, ErrFragmentedCrypto
			}
			if length > uint64(cursor.Len()) {
				return nil, ErrUnexpectedFrame
			}
			data := make([]byte, length)
			if _, err := readFull(cursor, data); err != nil {
				return nil, ErrUnexpectedFrame
			}
			return data, nil

		default:
			return nil, ErrUnexpectedFrame
		}
	}

	return nil, ErrNoCryptoFrame
}

// skipAckFrame advances the cursor past an ACK frame (RFC 9000 §19.3)
// without interpreting its contents.
func skipAckFrame(cursor *bytes.Reader, ecn bool) error {
	// Largest acknowledged, ACK delay.
	if err := skipVarints(cursor, 2); err != nil {
		return err
	}
	rangeCount, err := quicvarint.Read(cursor)
	if err != nil {
		return ErrUnexpectedFrame
	}
	// First ACK range.
	if err := skipVarints(cursor, 1); err != nil {
		return err
	}
	if rangeCount > uint64(cursor.Len()) {
		// Each range needs at least two bytes; an impossible count is a
		// malformed frame, not a reason to loop.
		return ErrUnexpectedFrame
	}
	for i := uint64(0); i < rangeCount; i++ {
		// Gap and ACK range length.
		if err := skipVarints(cursor, 2); err != nil {
			return err
		}
	}
	if ecn {
		// ECT(0), ECT(1), ECN-CE counts.
		if err := skipVarints(cursor, 3); err != nil {
			return err
		}
	}
	return nil
}

// skipVarints reads and discards n variable-length integers.
func skipVarints(cursor *bytes.Reader, n int) error {
	for i := 0; i < n; i++ {
		if _, err := quicvarint.Read(cursor); err != nil {
			return ErrUnexpectedFrame
		}
	}
	return nil
}
