package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/munichmade/sniproxy/internal/quic"
	"github.com/munichmade/sniproxy/internal/rules"
	"github.com/munichmade/sniproxy/internal/socks5"
)

const (
	// quicTargetPort is where admitted QUIC flows are relayed to.
	quicTargetPort = 443

	// maxUDPDatagram is the read buffer for client datagrams.
	maxUDPDatagram = 64 * 1024

	// defaultFlowIdleTimeout expires QUIC flows with no traffic in either
	// direction.
	defaultFlowIdleTimeout = 2 * time.Minute
)

// QUICEntrypoint accepts QUIC flows on one UDP port. The first datagram of
// a flow must be a decryptable QUIC v1 Initial whose ClientHello names an
// allowed host; afterwards datagrams in both directions are ferried
// opaquely through a SOCKS5 UDP association.
type QUICEntrypoint struct {
	listen      string
	rules       *rules.Whitelist
	client      *socks5.Client
	logger      *slog.Logger
	idleTimeout time.Duration

	conn    *net.UDPConn
	mu      sync.Mutex
	flows   map[string]*quicFlow
	running bool
	wg      sync.WaitGroup
}

// QUICEntrypointConfig configures a QUIC entrypoint.
type QUICEntrypointConfig struct {
	Listen      string
	Rules       *rules.Whitelist
	Client      *socks5.Client
	Logger      *slog.Logger
	IdleTimeout time.Duration
}

// NewQUICEntrypoint creates a new QUIC entrypoint.
func NewQUICEntrypoint(cfg QUICEntrypointConfig) *QUICEntrypoint {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultFlowIdleTimeout
	}

	return &QUICEntrypoint{
		listen:      cfg.Listen,
		rules:       cfg.Rules,
		client:      cfg.Client,
		logger:      logger.With("entrypoint", "quic"),
		idleTimeout: idle,
		flows:       make(map[string]*quicFlow),
	}
}

// quicFlow is one admitted client endpoint with its UDP association.
type quicFlow struct {
	clientAddr *net.UDPAddr
	hostname   string
	assoc      *socks5.UDPAssociation

	mu         sync.Mutex
	lastActive time.Time

	closeOnce sync.Once
}

func (f *quicFlow) touch() {
	f.mu.Lock()
	f.lastActive = time.Now()
	f.mu.Unlock()
}

func (f *quicFlow) idleSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActive
}

func (f *quicFlow) close() {
	f.closeOnce.Do(func() {
		f.assoc.Close()
	})
}

// Start binds the UDP socket and begins processing datagrams.
func (e *QUICEntrypoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("entrypoint already running")
	}

	addr, err := net.ResolveUDPAddr("udp", e.listen)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("invalid listen address %s: %w", e.listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", e.listen, err)
	}
	e.conn = conn
	e.running = true
	e.mu.Unlock()

	e.logger.Info("entrypoint started", "address", e.listen)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.readLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.reapLoop(ctx)
	}()

	return nil
}

// Stop closes the socket and tears down every flow, bounded by ctx.
func (e *QUICEntrypoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	conn := e.conn
	flows := make([]*quicFlow, 0, len(e.flows))
	for _, f := range e.flows {
		flows = append(flows, f)
	}
	e.flows = make(map[string]*quicFlow)
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, f := range flows {
		f.close()
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

// Addr returns the bound socket address, or empty string if not listening.
func (e *QUICEntrypoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn.LocalAddr().String()
	}
	return ""
}

// readLoop receives client datagrams and dispatches them to flows.
func (e *QUICEntrypoint) readLoop(ctx context.Context) {
	buf := make([]byte, maxUDPDatagram)
	for {
		n, clientAddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			e.mu.Lock()
			running := e.running
			e.mu.Unlock()
			if !running {
				return
			}
			e.logger.Error("failed to read datagram", "error", err)
			continue
		}

		key := clientAddr.String()
		e.mu.Lock()
		flow := e.flows[key]
		e.mu.Unlock()

		if flow != nil {
			flow.touch()
			if err := flow.assoc.WriteTo(buf[:n], flow.hostname, quicTargetPort); err != nil {
				e.logger.Debug("uplink relay failed", "client", key, "error", err)
				e.removeFlow(key, flow)
			}
			continue
		}

		// New endpoint: the datagram must be an inspectable Initial. The
		// buffer is reused by the next read, so hand off a copy.
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		e.wg.Add(1)
		go func(clientAddr *net.UDPAddr) {
			defer e.wg.Done()
			e.admitFlow(ctx, clientAddr, datagram)
		}(clientAddr)
	}
}

// admitFlow runs the Initial pipeline on the first datagram from a client
// endpoint and, if it passes, sets up the SOCKS5 UDP association. Failures
// drop the datagram silently; nothing is sent back to the client.
func (e *QUICEntrypoint) admitFlow(ctx context.Context, clientAddr *net.UDPAddr, datagram []byte) {
	key := clientAddr.String()

	hostname, err := quic.ExtractServerName(datagram)
	if err != nil {
		e.logger.Warn("initial packet rejected", "client", key, "error", err)
		return
	}

	if !e.rules.Allow(hostname) {
		e.logger.Info("hostname not in whitelist", "client", key, "hostname", hostname)
		return
	}

	assoc, err := e.client.Associate(ctx)
	if err != nil {
		e.logger.Warn("udp associate failed", "client", key, "hostname", hostname, "error", err)
		return
	}

	flow := &quicFlow{
		clientAddr: clientAddr,
		hostname:   hostname,
		assoc:      assoc,
		lastActive: time.Now(),
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		flow.close()
		return
	}
	if existing := e.flows[key]; existing != nil {
		// A racing datagram won; keep the established flow.
		e.mu.Unlock()
		flow.close()
		return
	}
	e.flows[key] = flow
	e.mu.Unlock()

	e.logger.Debug("flow admitted", "client", key, "hostname", hostname)

	// Forward the Initial itself; the upstream server needs it.
	if err := assoc.WriteTo(datagram, hostname, quicTargetPort); err != nil {
		e.logger.Warn("uplink relay failed", "client", key, "error", err)
		e.removeFlow(key, flow)
		return
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.downlinkLoop(key, flow)
	}()
	go func() {
		defer e.wg.Done()
		// The control channel's lifetime bounds the association.
		<-assoc.ControlDone()
		e.removeFlow(key, flow)
	}()
}

// downlinkLoop relays datagrams from the SOCKS5 relay back to the client.
func (e *QUICEntrypoint) downlinkLoop(key string, flow *quicFlow) {
	buf := make([]byte, maxUDPDatagram)
	for {
		payload, _, _, err := flow.assoc.ReadFrom(buf)
		if err != nil {
			if !isNormalClose(err) {
				e.logger.Debug("downlink relay ended", "client", key, "error", err)
			}
			e.removeFlow(key, flow)
			return
		}

		flow.touch()
		if _, err := e.conn.WriteToUDP(payload, flow.clientAddr); err != nil {
			e.logger.Debug("downlink write failed", "client", key, "error", err)
			e.removeFlow(key, flow)
			return
		}
	}
}

// reapLoop expires idle flows.
func (e *QUICEntrypoint) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(e.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-e.idleTimeout)

		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return
		}
		var expired []*quicFlow
		var expiredKeys []string
		for key, f := range e.flows {
			if f.idleSince().Before(cutoff) {
				expired = append(expired, f)
				expiredKeys = append(expiredKeys, key)
			}
		}
		for _, key := range expiredKeys {
			delete(e.flows, key)
		}
		e.mu.Unlock()

		for i, f := range expired {
			e.logger.Debug("flow expired", "client", expiredKeys[i], "hostname", f.hostname)
			f.close()
		}
	}
}

// removeFlow tears down a flow if it is still the one registered for key.
func (e *QUICEntrypoint) removeFlow(key string, flow *quicFlow) {
	e.mu.Lock()
	if e.flows[key] == flow {
		delete(e.flows, key)
	}
	e.mu.Unlock()
	flow.close()
}
