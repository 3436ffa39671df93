// Package dns provides the optional override DNS server that steers clients
// into the proxy: queries for whitelisted hostnames answer with the proxy's
// address, everything else is forwarded upstream.
package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/munichmade/sniproxy/internal/logging"
	"github.com/munichmade/sniproxy/internal/rules"
)

const (
	// DefaultTTL is the TTL for override DNS responses.
	DefaultTTL = 60

	// DefaultUpstream is the default upstream DNS server.
	DefaultUpstream = "8.8.8.8:53"
)

// Server answers DNS queries for hostnames the proxy will accept with the
// proxy's own address and forwards the rest to an upstream resolver.
type Server struct {
	// addr is the address to listen on (e.g. "127.0.0.1:53").
	addr string

	// rules decides which names are steered to the proxy.
	rules *rules.Whitelist

	// resolveIP is the address steered names resolve to.
	resolveIP net.IP

	// upstream is the resolver for all other queries.
	upstream string

	// udpServer is the UDP DNS server.
	udpServer *dns.Server

	// tcpServer is the TCP DNS server.
	tcpServer *dns.Server

	// client is the DNS client for upstream queries.
	client *dns.Client

	// mu protects the server state.
	mu sync.RWMutex

	// running indicates if the server is running.
	running bool
}

// Config holds DNS server configuration.
type Config struct {
	// Addr is the address to listen on.
	Addr string

	// Rules is the proxy's hostname whitelist.
	Rules *rules.Whitelist

	// ResolveIP is the IP steered names resolve to.
	ResolveIP net.IP

	// Upstream is the upstream DNS server (default: 8.8.8.8:53).
	Upstream string
}

// New creates a new DNS server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Upstream == "" {
		cfg.Upstream = DefaultUpstream
	}
	if cfg.Rules == nil {
		cfg.Rules = rules.New(nil)
	}

	return &Server{
		addr:      cfg.Addr,
		rules:     cfg.Rules,
		resolveIP: cfg.ResolveIP,
		upstream:  cfg.Upstream,
		client: &dns.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Start starts the DNS server on both UDP and TCP.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	handler := dns.HandlerFunc(s.handleDNS)

	s.udpServer = &dns.Server{
		Addr:    s.addr,
		Net:     "udp",
		Handler: handler,
	}
	s.tcpServer = &dns.Server{
		Addr:    s.addr,
		Net:     "tcp",
		Handler: handler,
	}

	udpErrCh := make(chan error, 1)
	go func() {
		logging.Info("starting DNS server (UDP)", "addr", s.addr)
		udpErrCh <- s.udpServer.ListenAndServe()
	}()

	tcpErrCh := make(chan error, 1)
	go func() {
		logging.Info("starting DNS server (TCP)", "addr", s.addr)
		tcpErrCh <- s.tcpServer.ListenAndServe()
	}()

	// Give servers a moment to start and check for immediate errors
	select {
	case err := <-udpErrCh:
		return fmt.Errorf("UDP server failed: %w", err)
	case err := <-tcpErrCh:
		return fmt.Errorf("TCP server failed: %w", err)
	case <-time.After(100 * time.Millisecond):
		// Servers started successfully
	}

	s.running = true
	return nil
}

// Stop stops the DNS server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
		}
	}

	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	logging.Info("DNS server stopped")
	return nil
}

// Running returns true if the server is running.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}

// handleDNS handles incoming DNS queries.
func (s *Server) handleDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		logging.Debug("DNS query", "name", q.Name, "type", dns.TypeToString[q.Qtype])

		if s.isSteered(q.Name) {
			s.handleSteeredQuery(m, q)
		} else {
			s.handleUpstreamQuery(m, r)
			break // Upstream handles entire message
		}
	}

	if err := w.WriteMsg(m); err != nil {
		logging.Error("failed to write DNS response", "error", err)
	}
}

// isSteered checks whether the queried name should resolve to the proxy.
func (s *Server) isSteered(name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	return s.rules.Allow(name)
}

// handleSteeredQuery answers a query for a proxied hostname with the
// proxy's address.
func (s *Server) handleSteeredQuery(m *dns.Msg, q dns.Question) {
	switch q.Qtype {
	case dns.TypeA:
		if ip4 := s.resolveIP.To4(); ip4 != nil {
			rr := &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    DefaultTTL,
				},
				A: ip4,
			}
			m.Answer = append(m.Answer, rr)
		}

	case dns.TypeAAAA:
		if ip4 := s.resolveIP.To4(); ip4 == nil {
			rr := &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeAAAA,
					Class:  dns.ClassINET,
					Ttl:    DefaultTTL,
				},
				AAAA: s.resolveIP.To16(),
			}
			m.Answer = append(m.Answer, rr)
		}

	default:
		// Empty answer keeps clients from bypassing the proxy over
		// record types it cannot steer.
		m.Rcode = dns.RcodeSuccess
	}
}

// handleUpstreamQuery forwards a query to the upstream DNS server.
func (s *Server) handleUpstreamQuery(m *dns.Msg, r *dns.Msg) {
	resp, _, err := s.client.Exchange(r, s.upstream)
	if err != nil {
		logging.Error("upstream DNS query failed", "error", err)
		m.Rcode = dns.RcodeServerFailure
		return
	}

	m.Answer = resp.Answer
	m.Ns = resp.Ns
	m.Extra = resp.Extra
	m.Rcode = resp.Rcode
}
