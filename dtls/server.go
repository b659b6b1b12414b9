// Package dtls binds the resource server to a DTLS transport. Clients
// authenticate with a pre-shared key that is resolved from the PSK
// identity through the proof-of-possession key lookup, and exchange one
// CBOR framed request per datagram.
package dtls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v3"

	"github.com/jmcleod/acers/access"
	"github.com/jmcleod/acers/authzinfo"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/popkey"
)

// ErrNoKey fails a handshake whose identity resolves to no key.
var ErrNoKey = errors.New("no key for psk identity")

const (
	maxDatagram      = 16 * 1024
	handshakeTimeout = 30 * time.Second
	idleTimeout      = 5 * time.Minute
)

// HandlerFunc serves a request that passed access control. method is the
// request method, payload the request body.
type HandlerFunc func(ctx context.Context, method string, payload []byte) (message.Code, []byte)

// Server is a DTLS PSK server.
type Server struct {
	lookup    *popkey.Lookup
	authz     *authzinfo.Endpoint
	access    *access.Interceptor
	logger    *slog.Logger
	hint      []byte
	resources map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithIdentityHint sets the PSK identity hint sent to clients.
func WithIdentityHint(hint string) Option {
	return func(s *Server) {
		s.hint = []byte(hint)
	}
}

// New returns a Server. Tokens posted to authz-info go to authz; every
// other request is checked by in before delivery.
func New(lookup *popkey.Lookup, authz *authzinfo.Endpoint, in *access.Interceptor, opts ...Option) *Server {
	s := &Server{
		lookup:    lookup,
		authz:     authz,
		access:    in,
		logger:    slog.Default(),
		resources: map[string]HandlerFunc{},
		conns:     map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for resource. Must be called before Serve.
func (s *Server) Handle(resource string, h HandlerFunc) {
	s.resources[access.Resource(resource)] = h
}

// Config returns the DTLS configuration used by the server. The PSK
// callback resolves identities with the key lookup.
func (s *Server) Config(ctx context.Context) *piondtls.Config {
	return &piondtls.Config{
		PSK: func(identity []byte) ([]byte, error) {
			k := s.lookup.Key(ctx, string(identity))
			if k == nil {
				return nil, ErrNoKey
			}
			return k, nil
		},
		PSKIdentityHint: s.hint,
		CipherSuites: []piondtls.CipherSuiteID{
			piondtls.TLS_PSK_WITH_AES_128_CCM_8,
			piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
		},
		ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
	}
}

// ListenAndServe listens on the UDP address and serves until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", addr, err)
	}
	ln, err := piondtls.Listen("udp", udp, s.Config(ctx))
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln. It returns nil once the listener
// has been closed by Close or ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("dtls accept failed", slog.String("error", err.Error()))
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr returns the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and closes open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil && !s.closed {
		s.closed = true
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))

	dc, ok := conn.(*piondtls.Conn)
	if !ok {
		logger.Error("listener returned a non-DTLS connection")
		return
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err := dc.HandshakeContext(hctx)
	cancel()
	if err != nil {
		logger.Info("dtls handshake failed", slog.String("error", err.Error()))
		return
	}
	state, ok := dc.ConnectionState()
	if !ok {
		return
	}
	sender := string(state.IdentityHint)
	logger.Debug("dtls session established", slog.String("identity", sender))

	buf := make([]byte, maxDatagram)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		reply := s.Dispatch(ctx, sender, buf[:n])
		out, err := reply.Encode()
		if err != nil {
			logger.Error("encoding reply", slog.String("error", err.Error()))
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// Dispatch serves one request datagram from the authenticated sender.
func (s *Server) Dispatch(ctx context.Context, sender string, datagram []byte) Reply {
	req, err := DecodeRequest(datagram)
	if err != nil {
		s.logger.Debug("bad request frame", slog.String("error", err.Error()))
		return Reply{Code: message.BadRequest}
	}
	method := strings.ToUpper(req.Method)

	if access.IsAuthzInfo(req.Path) {
		if method != "POST" {
			return Reply{Code: message.MethodNotAllowed}
		}
		res := s.authz.Process(ctx, message.NewRequest(req.Payload, sender))
		return Reply{Code: res.Code(), Payload: res.RawPayload()}
	}

	resource := access.Resource(req.Path)
	res := s.access.Check(ctx, sender, resource, method)
	if !res.Allowed() {
		return Reply{Code: res.Code, Payload: res.Payload}
	}
	h, ok := s.resources[resource]
	if !ok {
		return Reply{Code: message.NotFound}
	}
	code, payload := h(ctx, method, req.Payload)
	return Reply{Code: code, Payload: payload}
}
