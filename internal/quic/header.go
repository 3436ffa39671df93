package quic

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/quic-go/quic-go/quicvarint"
)

// VersionV1 is the only QUIC version the pipeline accepts. QUIC v2 uses a
// different Initial salt and HKDF labels and is rejected at the version check.
const VersionV1 = 0x00000001

// maxConnIDLen is the RFC 9000 limit on connection ID length.
const maxConnIDLen = 20

var (
	// ErrNotLongHeader is returned for short-header (1-RTT) packets.
	ErrNotLongHeader = errors.New("quic: not a long header packet")

	// ErrNotInitial is returned for long-header packets that are not
	// Initial packets.
	ErrNotInitial = errors.New("quic: not an Initial packet")

	// ErrUnsupportedVersion is returned for any version other than v1.
	ErrUnsupportedVersion = errors.New("quic: unsupported version")

	// ErrShortPacket is returned when the datagram ends before a declared
	// field.
	ErrShortPacket = errors.New("quic: short packet")

	// ErrInvalidConnID is returned for a DCID outside 1..20 bytes or an
	// SCID longer than 20 bytes.
	ErrInvalidConnID = errors.New("quic: invalid connection ID length")
)

// LongHeader is a parsed QUIC long header up to (not including) the
// protected packet number. PNLength and PacketNumber are populated only
// after header protection is removed.
type LongHeader struct {
	FirstByte    byte
	Version      uint32
	DCID         []byte
	SCID         []byte
	Token        []byte
	Length       uint64 // packet number length + payload + AEAD tag
	PNOffset     int
	PNLength     int
	PacketNumber uint64
}

// ParseLongHeader parses the long header of a client Initial packet. It
// validates the header form, packet type and version, and bounds-checks
// every length field against the datagram.
func ParseLongHeader(raw []byte) (*LongHeader, error) {
	if len(raw) < 1 {
		return nil, ErrShortPacket
	}

	first := raw[0]
	if first&0x80 == 0 {
		return nil, ErrNotLongHeader
	}
	if (first>>4)&0x03 != 0 {
		return nil, ErrNotInitial
	}

	if len(raw) < 5 {
		return nil, ErrShortPacket
	}
	version := binary.BigEndian.Uint32(raw[1:5])
	if version != VersionV1 {
		return nil, ErrUnsupportedVersion
	}

	hdr := &LongHeader{
		FirstByte: first,
		Version:   version,
	}

	cursor := bytes.NewReader(raw[5:])

	dcidLen, err := cursor.ReadByte()
	if err != nil {
		return nil, ErrShortPacket
	}
	if dcidLen == 0 || dcidLen > maxConnIDLen {
		return nil, ErrInvalidConnID
	}
	hdr.DCID = make([]byte, dcidLen)
	if _, err := readFull(cursor, hdr.DCID); err != nil {
		return nil, ErrShortPacket
	}

	scidLen, err := cursor.ReadByte()
	if err != nil {
		return nil, ErrShortPacket
	}
	if scidLen > maxConnIDLen {
		return nil, ErrInvalidConnID
	}
	hdr.SCID = make([]byte, scidLen)
	if _, err := readFull(cursor, hdr.SCID); err != nil {
		return nil, ErrShortPacket
	}

	tokenLen, err := quicvarint.Read(cursor)
	if err != nil {
		return nil, ErrShortPacket
	}
	if tokenLen > uint64(cursor.Len()) {
		return nil, ErrShortPacket
	}
	hdr.Token = make([]byte, tokenLen)
	if _, err := readFull(cursor, hdr.Token); err != nil {
		return nil, ErrShortPacket
	}

	hdr.Length, err = quicvarint.Read(cursor)
	if err != nil {
		return nil, ErrShortPacket
	}

	// The packet number starts right after the length field.
	hdr.PNOffset = len(raw) - cursor.Len()

	if hdr.Length > uint64(cursor.Len()) {
		return nil, ErrShortPacket
	}

	return hdr, nil
}

// readFull reads exactly len(buf) bytes from the reader.
func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if err == nil && n < len(buf) {
		return n, ErrShortPacket
	}
	return n, err
}
