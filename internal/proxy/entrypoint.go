// Package proxy implements the listening edge: TCP listeners that sniff the
// target hostname from the first bytes of a flow and a UDP listener that
// decrypts QUIC Initials, all forwarding through an upstream SOCKS5 proxy.
package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/munichmade/sniproxy/internal/rules"
	"github.com/munichmade/sniproxy/internal/sniff"
	"github.com/munichmade/sniproxy/internal/socks5"
)

const (
	// peekTimeout bounds the initial read used for hostname sniffing.
	peekTimeout = 5 * time.Second

	// httpPeekSize is how much of an HTTP request may be buffered while
	// looking for the Host header.
	httpPeekSize = 4096

	// maxTLSRecordSize caps an accepted ClientHello record.
	maxTLSRecordSize = 16384
)

// sniffFunc reads the opening bytes of a client connection and returns the
// target hostname plus everything it consumed, for replay upstream.
type sniffFunc func(conn net.Conn) (hostname string, peeked []byte, err error)

// TCPEntrypoint accepts client flows on one TCP port, sniffs the intended
// hostname, applies the whitelist, and splices the flow through a SOCKS5
// tunnel to that hostname. It never writes anything of its own to the
// client.
type TCPEntrypoint struct {
	name       string
	listen     string
	targetPort uint16
	sniff      sniffFunc
	rules      *rules.Whitelist
	pool       *socks5.Pool
	logger     *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	running  bool
	wg       sync.WaitGroup
}

// TCPEntrypointConfig configures a TCP entrypoint.
type TCPEntrypointConfig struct {
	Listen string
	Rules  *rules.Whitelist
	Pool   *socks5.Pool
	Logger *slog.Logger
}

// NewHTTPSEntrypoint creates the TLS SNI entrypoint. Flows are tunneled to
// (sni, 443).
func NewHTTPSEntrypoint(cfg TCPEntrypointConfig) *TCPEntrypoint {
	return newTCPEntrypoint("https", 443, peekClientHello, cfg)
}

// NewHTTPEntrypoint creates the plaintext HTTP entrypoint. Flows are
// tunneled to (host, 80).
func NewHTTPEntrypoint(cfg TCPEntrypointConfig) *TCPEntrypoint {
	return newTCPEntrypoint("http", 80, peekHostHeader, cfg)
}

func newTCPEntrypoint(name string, targetPort uint16, sniffer sniffFunc, cfg TCPEntrypointConfig) *TCPEntrypoint {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TCPEntrypoint{
		name:       name,
		listen:     cfg.Listen,
		targetPort: targetPort,
		sniff:      sniffer,
		rules:      cfg.Rules,
		pool:       cfg.Pool,
		logger:     logger.With("entrypoint", name),
	}
}

// Start begins listening for TCP connections.
func (e *TCPEntrypoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("entrypoint already running")
	}

	if e.listener == nil {
		listener, err := net.Listen("tcp", e.listen)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to listen on %s: %w", e.listen, err)
		}
		e.listener = listener
	}

	e.running = true
	e.mu.Unlock()

	e.logger.Info("entrypoint started", "address", e.listen)

	go e.acceptLoop(ctx)

	return nil
}

// Stop closes the listener and waits for active flows, bounded by ctx.
func (e *TCPEntrypoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	listener := e.listener
	e.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("entrypoint stopped")
	case <-ctx.Done():
		e.logger.Warn("entrypoint shutdown timed out")
	}

	return nil
}

// Addr returns the listener's address, or empty string if not listening.
func (e *TCPEntrypoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return ""
}

// acceptLoop accepts incoming connections.
func (e *TCPEntrypoint) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			e.mu.Lock()
			running := e.running
			e.mu.Unlock()

			if !running {
				return
			}

			e.logger.Error("failed to accept connection", "error", err)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection processes a single client flow. Any failure before the
// splice closes the client silently; the proxy never sends bytes of its
// own.
func (e *TCPEntrypoint) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	hostname, peeked, err := e.sniff(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		e.logger.Warn("hostname extraction failed", "client", clientAddr, "error", err)
		return
	}

	if !e.rules.Allow(hostname) {
		e.logger.Info("hostname not in whitelist", "client", clientAddr, "hostname", hostname)
		return
	}

	e.logger.Debug("flow admitted", "client", clientAddr, "hostname", hostname, "port", e.targetPort)

	tunnel, err := e.pool.Get(ctx, hostname, e.targetPort)
	if err != nil {
		e.logger.Warn("upstream tunnel failed", "client", clientAddr, "hostname", hostname, "error", err)
		return
	}

	// Replay the sniffed bytes upstream. A reused tunnel that fails its
	// first write gets one fresh retry.
	if _, err := tunnel.Write(peeked); err != nil {
		reused := tunnel.Reused()
		tunnel.Close()
		if !reused {
			e.logger.Warn("upstream write failed", "client", clientAddr, "hostname", hostname, "error", err)
			return
		}

		tunnel, err = e.pool.GetFresh(ctx, hostname, e.targetPort)
		if err != nil {
			e.logger.Warn("upstream tunnel retry failed", "client", clientAddr, "hostname", hostname, "error", err)
			return
		}
		if _, err := tunnel.Write(peeked); err != nil {
			tunnel.Close()
			e.logger.Warn("upstream write failed", "client", clientAddr, "hostname", hostname, "error", err)
			return
		}
	}

	if err := Splice(conn, tunnel); err != nil {
		e.logger.Debug("splice ended with error", "client", clientAddr, "hostname", hostname, "error", err)
	}
	tunnel.Close()
}

// peekClientHello reads the first TLS record from the connection and
// extracts the SNI. The consumed bytes are returned for replay.
func peekClientHello(conn net.Conn) (string, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", nil, fmt.Errorf("reading TLS record header: %w", err)
	}

	if header[0] != 0x16 || header[1] != 0x03 {
		return "", header, sniff.ErrNotHandshake
	}

	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen < 4 || recordLen > maxTLSRecordSize {
		return "", header, sniff.ErrNotHandshake
	}

	record := make([]byte, 5+recordLen)
	copy(record, header)
	if _, err := io.ReadFull(conn, record[5:]); err != nil {
		return "", record, fmt.Errorf("reading TLS record: %w", err)
	}

	hostname, err := sniff.ExtractSNI(record)
	if err != nil {
		return "", record, err
	}
	return hostname, record, nil
}

// peekHostHeader buffers the start of an HTTP/1.x request until the header
// block ends (or the peek budget is spent) and extracts the target host.
func peekHostHeader(conn net.Conn) (string, []byte, error) {
	buf := make([]byte, 0, httpPeekSize)
	chunk := make([]byte, 1024)

	for len(buf) < httpPeekSize {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if headerBlockEnds(buf) {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return "", buf, fmt.Errorf("reading request: %w", err)
		}
	}

	hostname, err := sniff.ExtractHost(buf)
	if err != nil {
		return "", buf, err
	}
	return hostname, buf, nil
}

// headerBlockEnds reports whether buf already contains the blank line that
// terminates the request headers.
func headerBlockEnds(buf []byte) bool {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		if buf[i+1] == '\n' {
			return true
		}
		if i+2 < len(buf) && buf[i+1] == '\r' && buf[i+2] == '\n' {
			return true
		}
	}
	return false
}
