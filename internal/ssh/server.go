package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/tunnel/internal/conn"
	"github.com/die-net/tunnel/internal/relay"
)

// Server is an SSH server for TCP tunneling. It serves "direct-tcpip"
// channels by dialing the requested destination and "tcpip-forward"
// requests by listening locally and forwarding every accepted connection
// back to the client as a "forwarded-tcpip" channel.
type Server struct {
	config            *ssh.ServerConfig
	listener          net.Listener
	dialer            ContextDialer
	disableForwarding bool
	log               logr.Logger

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates users by password. At least one of
	// PasswordCallback or PublicKeyCallback must be set.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	// PublicKeyCallback authenticates users by public key.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// Dialer is used to establish outbound connections for direct-tcpip channels.
	// If nil, a default net.Dialer is used.
	Dialer ContextDialer

	// DisableForwarding refuses tcpip-forward requests.
	DisableForwarding bool

	Log logr.Logger
}

// NewServer creates a new SSH tunnel server listening on addr.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:  cfg.PasswordCallback,
		PublicKeyCallback: cfg.PublicKeyCallback,
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh server listen: %w", err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Server{
		config:            sshConfig,
		listener:          ln,
		dialer:            dialer,
		disableForwarding: cfg.DisableForwarding,
		log:               log,
		shutdown:          make(chan struct{}),
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts and handles SSH connections until the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Go(func() {
			s.handleConn(ctx, c)
		})
	}
}

// Close stops accepting new connections and waits for existing connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		s.log.V(1).Info("SSH handshake failed", "Remote", nc.RemoteAddr().String(), "Error", err.Error())
		return
	}
	defer sshConn.Close()

	log := s.log.WithValues("User", sshConn.User(), "Remote", nc.RemoteAddr().String())

	// Server shutdown or ctx cancellation closes the connection, which ends
	// the channel loop below.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
			cancel()
		}
	}()

	var wg sync.WaitGroup
	fwd := &forwards{conn: sshConn, log: log, wg: &wg, listeners: map[string]net.Listener{}}

	wg.Go(func() {
		for req := range reqs {
			s.handleRequest(ctx, fwd, req)
		}
	})

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		wg.Go(func() {
			s.handleDirectTCPIP(ctx, log, sshConn, newChan)
		})
	}

	cancel()
	fwd.closeAll()
	wg.Wait()
}

func (s *Server) handleRequest(ctx context.Context, fwd *forwards, req *ssh.Request) {
	var (
		ok      bool
		payload []byte
	)
	switch req.Type {
	case "tcpip-forward":
		if s.disableForwarding {
			break
		}
		var err error
		payload, err = fwd.listen(ctx, req.Payload)
		if err != nil {
			fwd.log.V(1).Info("Refusing tcpip-forward", "Error", err.Error())
			break
		}
		ok = true
	case "cancel-tcpip-forward":
		ok = fwd.cancel(req.Payload)
	}
	if req.WantReply {
		_ = req.Reply(ok, payload)
	}
}

func (s *Server) handleDirectTCPIP(ctx context.Context, log logr.Logger, meta ssh.ConnMetadata, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.FormatUint(uint64(payload.Port), 10))
	dst, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.V(1).Info("direct-tcpip dial failed", "Address", addr, "Error", err.Error())
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	pipe(ctx, log.WithValues("Address", addr), meta, ch, dst)
}

// forwards tracks the tcpip-forward listeners of one SSH connection.
type forwards struct {
	conn *ssh.ServerConn
	log  logr.Logger
	wg   *sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	listeners map[string]net.Listener
}

func (f *forwards) listen(ctx context.Context, raw []byte) ([]byte, error) {
	var req forwardRequest
	if err := ssh.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid tcpip-forward payload: %w", err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(req.BindAddr, strconv.FormatUint(uint64(req.BindPort), 10)))
	if err != nil {
		return nil, err
	}
	port := uint32(ln.Addr().(*net.TCPAddr).Port) //nolint:gosec // TCP ports fit.
	key := net.JoinHostPort(req.BindAddr, strconv.FormatUint(uint64(port), 10))

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = ln.Close()
		return nil, net.ErrClosed
	}
	f.listeners[key] = ln
	f.mu.Unlock()

	f.log.V(1).Info("Forwarding", "Address", key)
	f.wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f.wg.Go(func() {
				f.forward(ctx, req.BindAddr, port, c)
			})
		}
	})

	var reply []byte
	if req.BindPort == 0 {
		reply = ssh.Marshal(&forwardReply{Port: port})
	}
	return reply, nil
}

func (f *forwards) forward(ctx context.Context, bindAddr string, port uint32, c net.Conn) {
	payload := forwardedTCPIPPayload{Addr: bindAddr, Port: port}
	if ra, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		payload.OriginAddr = ra.IP.String()
		payload.OriginPort = uint32(ra.Port) //nolint:gosec // TCP ports fit.
	}

	ch, reqs, err := f.conn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
	if err != nil {
		f.log.V(1).Info("forwarded-tcpip refused", "Error", err.Error())
		_ = c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	pipe(ctx, f.log.WithValues("Origin", c.RemoteAddr().String()), f.conn, ch, c)
}

func (f *forwards) cancel(raw []byte) bool {
	var req forwardRequest
	if err := ssh.Unmarshal(raw, &req); err != nil {
		return false
	}
	key := net.JoinHostPort(req.BindAddr, strconv.FormatUint(uint64(req.BindPort), 10))

	f.mu.Lock()
	ln, ok := f.listeners[key]
	delete(f.listeners, key)
	f.mu.Unlock()

	if ok {
		_ = ln.Close()
	}
	return ok
}

func (f *forwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for key, ln := range f.listeners {
		_ = ln.Close()
		delete(f.listeners, key)
	}
}

// channelConn presents an SSH channel as a net.Conn. Channels have no
// deadlines, so cancelled I/O on them is interrupted by closing the channel.
type channelConn struct {
	ssh.Channel
	meta ssh.ConnMetadata
}

var errNoDeadline = errors.New("ssh channel: deadlines not supported")

func (c channelConn) LocalAddr() net.Addr            { return c.meta.LocalAddr() }
func (c channelConn) RemoteAddr() net.Addr           { return c.meta.RemoteAddr() }
func (channelConn) SetDeadline(time.Time) error      { return errNoDeadline }
func (channelConn) SetReadDeadline(time.Time) error  { return errNoDeadline }
func (channelConn) SetWriteDeadline(time.Time) error { return errNoDeadline }

// pipe relays between ch and c until both directions are done or ctx ends,
// then closes both.
func pipe(ctx context.Context, log logr.Logger, meta ssh.ConnMetadata, ch ssh.Channel, c net.Conn) {
	in := conn.NewNetConnection(channelConn{Channel: ch, meta: meta}, conn.TransferModeDefault)
	out := conn.NewNetConnection(c, conn.TransferModeDefault)
	defer out.Close()
	defer in.Close()

	relay.Pipe(ctx, log, in, out, conn.TransferModeDefault)
}

// GenerateHostKey returns a fresh Ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// SimplePasswordAuth returns a PasswordCallback that authenticates against
// a single username/password pair.
func SimplePasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}
