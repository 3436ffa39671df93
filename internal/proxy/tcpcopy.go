package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
)

// Splice copies data bidirectionally between the client and the upstream
// tunnel. When one direction hits EOF the half-close is propagated and the
// opposite direction keeps flowing until it also ends. Returns nil on a
// clean close, or the first unexpected error.
func Splice(client, upstream net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	var clientErr, upstreamErr error

	// Client -> upstream
	go func() {
		defer wg.Done()
		_, clientErr = io.Copy(upstream, client)
		closeWrite(upstream)
	}()

	// Upstream -> client
	go func() {
		defer wg.Done()
		_, upstreamErr = io.Copy(client, upstream)
		closeWrite(client)
	}()

	wg.Wait()

	if clientErr != nil && !isNormalClose(clientErr) {
		return clientErr
	}
	if upstreamErr != nil && !isNormalClose(upstreamErr) {
		return upstreamErr
	}
	return nil
}

// closeWrite performs a half-close on the connection if it supports it,
// unwrapping tunnel wrappers that expose their underlying connection.
func closeWrite(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
		return
	}

	if wrapper, ok := conn.(interface{ NetConn() net.Conn }); ok {
		if tcpConn, ok := wrapper.NetConn().(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}
}

// isNormalClose reports whether the error represents a normal connection
// close rather than a mid-flow failure.
func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err.Error() == "use of closed network connection" {
			return true
		}
	}
	return false
}
