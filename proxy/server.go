// Package proxy is an intercepting HTTP/HTTPS proxy. Every request and
// response passes through a Chain of modules before it is forwarded.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Options configures a Server
type Options struct {
	Listen  string
	CertDir string

	// Transport forwards requests upstream. A default transport honouring
	// the environment's proxy settings is used when nil.
	Transport http.RoundTripper
}

// Server accepts proxy connections and runs the chain on each flow
type Server struct {
	opts      Options
	chain     *Chain
	ca        *authority
	transport http.RoundTripper
	logger    *slog.Logger
}

// hopHeaders are connection-scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
}

// NewServer creates a Server, loading or generating the interception CA
func NewServer(opts Options, chain *Chain, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if chain == nil {
		chain = NewChain(logger)
	}
	if opts.CertDir == "" {
		opts.CertDir = "."
	}

	ca, err := loadOrCreateAuthority(opts.CertDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize CA: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			DisableCompression:  true,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		}
	}

	return &Server{
		opts:      opts,
		chain:     chain,
		ca:        ca,
		transport: transport,
		logger:    logger,
	}, nil
}

// ListenAndServe listens on the configured address and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("proxy listening", "addr", ln.Addr().String(), "modules", len(s.chain.Modules()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", "err", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			s.logger.Debug("failed to read request", "client", conn.RemoteAddr().String(), "err", err)
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(ctx, conn, req)
		return
	}
	s.serveRequests(ctx, conn, reader, req, "http")
}

// handleConnect terminates TLS for the tunnelled host with a leaf signed by
// the local CA and serves the decrypted requests
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	host := req.Host
	if !strings.Contains(host, ":") {
		host = host + ":443"
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				return s.ca.leafFor(hello.ServerName)
			}
			return s.ca.leafFor(host)
		},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Debug("TLS handshake failed", "host", host, "err", err)
		return
	}
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	first, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	s.serveRequests(ctx, tlsConn, reader, first, "https")
}

// serveRequests forwards req and every following request on the connection
func (s *Server) serveRequests(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *http.Request, scheme string) {
	for {
		if !req.URL.IsAbs() {
			req.URL.Scheme = scheme
			req.URL.Host = req.Host
		}

		resp := s.roundTrip(ctx, req)
		if resp == nil {
			conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
			return
		}

		closeAfter := req.Close || resp.Close
		if closeAfter {
			resp.Close = true
		}
		err := resp.Write(conn)
		resp.Body.Close()
		if err != nil {
			s.logger.Debug("failed to write response", "url", req.URL.String(), "err", err)
			return
		}
		if closeAfter {
			return
		}

		req, err = http.ReadRequest(reader)
		if err != nil {
			return
		}
	}
}

// roundTrip runs the chain around the upstream exchange. It returns nil when
// the upstream could not be reached.
func (s *Server) roundTrip(ctx context.Context, req *http.Request) *http.Response {
	flow := NewFlow(req, s.logger)
	s.chain.Request(flow)

	out := req.Clone(ctx)
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	// Bodies must stay decodable for the response modules
	if accept := out.Header.Get("Accept-Encoding"); accept != "" {
		if negotiated := negotiateEncoding(accept); negotiated != accept {
			out.Header.Set("Accept-Encoding", negotiated)
			s.logger.Debug("narrowed Accept-Encoding", "url", req.URL.String(), "from", accept, "to", negotiated)
		}
	}

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.logger.Warn("failed to forward request", "url", req.URL.String(), "err", err)
		return nil
	}
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}

	flow.Response = resp
	s.chain.Response(flow)
	return resp
}
