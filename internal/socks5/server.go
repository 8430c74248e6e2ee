package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/tunnel/internal/conn"
	"github.com/die-net/tunnel/internal/relay"
)

// ContextDialer opens the server's outbound connections.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server is a CONNECT-only SOCKS5 server.
type Server struct {
	Auth   Auth
	Dialer ContextDialer
	Log    logr.Logger
}

// Serve handles connections from ln until it is closed or ctx ends. Every
// handler has returned by the time Serve does.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("socks5 accept: %w", err)
		}
		wg.Go(func() {
			defer c.Close()
			if err := s.ServeConn(ctx, c); err != nil {
				s.logger().V(1).Info("SOCKS5 session failed", "Remote", c.RemoteAddr().String(), "Error", err.Error())
			}
		})
	}
}

// ServeConn runs one SOCKS5 session on c: negotiation, a CONNECT request and
// then relaying until both directions are done.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) error {
	if err := ServerNegotiate(c, s.Auth); err != nil {
		return err
	}
	req, err := ServerReadRequest(c)
	if err != nil {
		return err
	}
	if req.Cmd != CmdConnect {
		_ = writeReply(c, repCommandNotSupported, req.Atyp)
		return fmt.Errorf("unsupported command %#x", req.Cmd)
	}

	dialer := s.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	dst, err := dialer.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = writeReply(c, repConnectionRefused, req.Atyp)
		return fmt.Errorf("dial %s: %w", req.Address(), err)
	}
	defer dst.Close()

	if err := writeSuccessReply(c, dst.LocalAddr()); err != nil {
		return err
	}

	in := conn.NewNetConnection(c, conn.TransferModeDefault)
	out := conn.NewNetConnection(dst, conn.TransferModeDefault)
	sent, received := relay.Pipe(ctx, s.logger().WithValues("Target", req.Address()), in, out, conn.TransferModeDefault)
	s.logger().V(1).Info("SOCKS5 session finished", "Target", req.Address(),
		"BytesSent", sent.BytesTransferred, "BytesReceived", received.BytesTransferred)
	return nil
}

func (s *Server) logger() logr.Logger {
	if s.Log.GetSink() == nil {
		return logr.Discard()
	}
	return s.Log
}

// ServerNegotiate runs the server side of method negotiation, requiring
// username/password when auth has a username.
func ServerNegotiate(c net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username != "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(c)
			return errors.New("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return errors.New("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(c)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's command request.
func ServerReadRequest(c net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

func writeNoAcceptableMethods(c net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(c)
}
