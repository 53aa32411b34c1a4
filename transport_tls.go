//go:build linux

package dynlistener

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// TLSTransport terminates TLS on accepted descriptors. The handshake may
// take up to handshakeTimeout of the worker's time.
func TLSTransport(config *tls.Config, handshakeTimeout, sendTimeout time.Duration) TransportFactory {
	return func(fd int) Transport {
		raw := &fdConn{fd: fd, sendTimeout: sendTimeout}
		return &tlsTransport{
			raw:              raw,
			conn:             tls.Server(raw, config),
			handshakeTimeout: handshakeTimeout,
		}
	}
}

type tlsTransport struct {
	raw              *fdConn
	conn             *tls.Conn
	handshakeTimeout time.Duration
}

func (t *tlsTransport) Handshake() error {
	t.raw.blockUntil = time.Now().Add(t.handshakeTimeout)
	defer func() {
		t.raw.blockUntil = time.Time{}
	}()
	if err := t.conn.Handshake(); err != nil {
		return fmt.Errorf("%w: tls handshake: %v", ErrProtocol, err)
	}
	return nil
}

func (t *tlsTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil && errors.Is(err, ErrWouldBlock) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *tlsTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

// Close sends close_notify. The descriptor stays open.
func (t *tlsTransport) Close() error {
	return t.conn.Close()
}

// wouldBlockError is a temporary net.Error, so tls.Conn keeps its read
// state intact and the partial record is completed by the next event.
type wouldBlockError struct{}

func (wouldBlockError) Error() string        { return ErrWouldBlock.Error() }
func (wouldBlockError) Timeout() bool        { return true }
func (wouldBlockError) Temporary() bool      { return true }
func (wouldBlockError) Is(target error) bool { return target == ErrWouldBlock }

// fdConn adapts a non-blocking descriptor to net.Conn for crypto/tls.
// While blockUntil is set reads wait for data instead of failing fast.
type fdConn struct {
	fd          int
	sendTimeout time.Duration
	blockUntil  time.Time
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil:
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if c.blockUntil.IsZero() {
				return 0, wouldBlockError{}
			}
			if err := pollFd(c.fd, unix.POLLIN, c.blockUntil); err != nil {
				return 0, err
			}
		case errors.Is(err, unix.ECONNRESET):
			return 0, io.EOF
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	timeout := c.sendTimeout
	if !c.blockUntil.IsZero() {
		timeout = time.Until(c.blockUntil)
	}
	return writeFd(c.fd, p, timeout)
}

func (c *fdConn) Close() error {
	return nil
}

func (c *fdConn) LocalAddr() net.Addr {
	addr, err := localAddr(c.fd)
	if err != nil {
		return nil
	}
	return addr
}

func (c *fdConn) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

// LoadTLSConfig builds the server side TLS configuration. The returned
// stapler is nil unless OCSP stapling is enabled.
func LoadTLSConfig(cfg TLSConfig, logger zerolog.Logger) (*tls.Config, *OCSPStapler, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, nil, configError("tls.cert_path", err)
	}
	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	var caCert *x509.Certificate
	if cfg.CACertPath != "" {
		caCert, err = parseCaCertFile(cfg.CACertPath)
		if err != nil {
			return nil, nil, configError("tls.ca_cert_path", err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		config.ClientCAs = pool
		if cfg.ClientAuth {
			config.ClientAuth = tls.RequireAndVerifyClientCert
		}
	} else if cfg.ClientAuth {
		return nil, nil, configError("tls.client_auth", errors.New("client authentication needs a CA certificate"))
	}

	if !cfg.OCSPStaple {
		return config, nil, nil
	}
	if caCert == nil {
		return nil, nil, configError("tls.ocsp_staple", errors.New("ocsp stapling needs the issuer certificate"))
	}
	stapler, err := NewOCSPStapler(cert, caCert, cfg.OCSPResponderURL, logger)
	if err != nil {
		return nil, nil, configError("tls.ocsp_responder_url", err)
	}
	config.Certificates = nil
	config.GetCertificate = stapler.GetCertificate
	return config, stapler, nil
}

func parseCaCertFile(filename string) (*x509.Certificate, error) {
	ct, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(ct)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", filename)
	}
	return x509.ParseCertificate(block.Bytes)
}
