package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// maxDatagramSize bounds a relayed UDP payload plus its RFC 1928 §7 header.
const maxDatagramSize = 64 * 1024

var (
	// ErrFragmented is returned for relay datagrams with a non-zero FRAG
	// field; fragmentation support is optional and not implemented.
	ErrFragmented = errors.New("socks5: fragmented UDP datagram")

	// ErrShortDatagram is returned for relay datagrams shorter than their
	// header.
	ErrShortDatagram = errors.New("socks5: short UDP datagram")
)

// UDPAssociation is one UDP ASSOCIATE relay. The TCP control channel bounds
// its lifetime: closing it tears down the relay server-side.
type UDPAssociation struct {
	control   net.Conn
	conn      *net.UDPConn
	relayAddr *net.UDPAddr
}

// Associate opens a UDP relay through the proxy. The requested client bind
// is 0.0.0.0:0 because the proxy does not know its outward-facing UDP
// endpoint; the server reply names the relay address datagrams must go to.
func (c *Client) Associate(ctx context.Context) (*UDPAssociation, error) {
	control, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	bindHost, bindPort, err := c.requestBind(control, cmdUDPAssociate, "0.0.0.0", 0)
	if err != nil {
		control.Close()
		return nil, err
	}

	// An unspecified relay host means the relay lives at the proxy's
	// address.
	relayIP := net.ParseIP(bindHost)
	if relayIP == nil || relayIP.IsUnspecified() {
		if host, _, splitErr := net.SplitHostPort(c.Addr); splitErr == nil {
			relayIP = net.ParseIP(host)
		}
	}
	if relayIP == nil {
		control.Close()
		return nil, fmt.Errorf("socks5: cannot determine relay address from %q", bindHost)
	}
	relayAddr := &net.UDPAddr{IP: relayIP, Port: int(bindPort)}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("socks5: bind relay socket: %w", err)
	}

	if err := control.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		control.Close()
		return nil, err
	}

	return &UDPAssociation{
		control:   control,
		conn:      conn,
		relayAddr: relayAddr,
	}, nil
}

// WriteTo wraps payload per RFC 1928 §7 and sends it to the relay,
// addressed to (host, port).
func (a *UDPAssociation) WriteTo(payload []byte, host string, port uint16) error {
	header := []byte{0x00, 0x00, 0x00} // RSV (2) + FRAG (1)
	packet, err := appendAddr(header, host, port)
	if err != nil {
		return err
	}
	packet = append(packet, payload...)

	_, err = a.conn.WriteToUDP(packet, a.relayAddr)
	return err
}

// ReadFrom receives one datagram from the relay, strips the RFC 1928 §7
// header, and returns the payload with the source it was relayed from.
func (a *UDPAssociation) ReadFrom(buf []byte) (payload []byte, host string, port uint16, err error) {
	for {
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, "", 0, err
		}
		// Datagrams not from the relay endpoint are spoofed or stray.
		if from.Port != a.relayAddr.Port || !from.IP.Equal(a.relayAddr.IP) {
			continue
		}

		if n < 4 {
			return nil, "", 0, ErrShortDatagram
		}
		if buf[2] != 0x00 {
			return nil, "", 0, ErrFragmented
		}

		host, port, off, err := parseAddrAt(buf[:n], 3)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, "", 0, ErrShortDatagram
			}
			return nil, "", 0, err
		}
		return buf[off:n], host, port, nil
	}
}

// SetReadDeadline bounds the next ReadFrom.
func (a *UDPAssociation) SetReadDeadline(t time.Time) error {
	return a.conn.SetReadDeadline(t)
}

// ControlDone returns a channel that is closed when the TCP control channel
// ends, whether the server closes it or Close is called locally. It consumes
// and discards anything the server writes on the control channel.
func (a *UDPAssociation) ControlDone() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(io.Discard, a.control)
	}()
	return done
}

// LocalAddr returns the local endpoint of the relay socket.
func (a *UDPAssociation) LocalAddr() net.Addr {
	return a.conn.LocalAddr()
}

// Close tears down the relay socket and the control channel.
func (a *UDPAssociation) Close() error {
	udpErr := a.conn.Close()
	ctrlErr := a.control.Close()
	if udpErr != nil {
		return udpErr
	}
	return ctrlErr
}
