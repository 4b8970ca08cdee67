package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/Tyrowin/relaychat/internal/config"
)

const (
	transportQUIC = "quic"

	// QUICProtocol is the ALPN identifier clients must offer.
	QUICProtocol = "relaychat"

	quicCodeNormal  quic.ApplicationErrorCode = 0
	quicCodeRefused quic.ApplicationErrorCode = 1
)

// listenQUIC binds the QUIC listener with the configured certificate or an
// ephemeral self-signed one.
func listenQUIC(cfg config.Config) (*quic.Listener, error) {
	tlsConf, err := quicTLSConfig(cfg.QUICCertFile, cfg.QUICKeyFile)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(cfg.QUICAddr, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic listen on %s: %w", cfg.QUICAddr, err)
	}
	return ln, nil
}

func quicTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile != "" || keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load quic certificate: %w", err)
		}
	} else {
		cert, err = selfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate quic certificate: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "relaychat"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// serveQUIC admits each QUIC connection in the accept loop; the session runs
// on the first bidirectional stream the client opens.
func (s *Server) serveQUIC(ln *quic.Listener) {
	defer s.acceptWG.Done()
	s.logger.Info("quic listener ready", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if s.draining() {
				return
			}
			s.fail(fmt.Errorf("quic accept on %s: %w", ln.Addr(), err))
			return
		}

		remote := conn.RemoteAddr().String()
		if err := s.relay.Admit(remote, transportQUIC); err != nil {
			_ = conn.CloseWithError(quicCodeRefused, "connection refused")
			continue
		}
		go s.openQUICSession(conn, remote)
	}
}

func (s *Server) openQUICSession(conn *quic.Conn, remote string) {
	ctx := context.Background()
	if timeout := s.cfg.HandshakeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.relay.Admission().Release(remote)
		_ = conn.CloseWithError(quicCodeNormal, "")
		s.logger.Info("quic connection closed before opening a stream", "remote_addr", remote, "error", err)
		return
	}

	closeFn := func() error {
		stream.CancelRead(0)
		_ = stream.Close()
		return conn.CloseWithError(quicCodeNormal, "")
	}
	s.relay.Serve(newStreamConn(quicStream{stream}, closeFn, remote, transportQUIC, s.cfg.ReadBufferSize), true)
}

// quicStream reports a peer's normal connection close as io.EOF.
type quicStream struct {
	*quic.Stream
}

func (q quicStream) Read(p []byte) (int, error) {
	n, err := q.Stream.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == quicCodeNormal {
		return n, io.EOF
	}
	return n, err
}
