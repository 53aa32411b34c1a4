//go:build linux

package dynlistener

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ocsp"
)

type testPKI struct {
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
	caPath   string
	certPath string
	keyPath  string
}

func writePEM(t *testing.T, path, kind string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func newTestPKI(t *testing.T, ocspURL string) *testPKI {
	t.Helper()
	dir := t.TempDir()
	now := time.Now()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "dynlistener test ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		OCSPServer:   []string{ocspURL},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(serverKey)
	require.NoError(t, err)

	pki := &testPKI{
		caCert:   caCert,
		caKey:    caKey,
		caPath:   filepath.Join(dir, "ca.pem"),
		certPath: filepath.Join(dir, "server.pem"),
		keyPath:  filepath.Join(dir, "server.key"),
	}
	writePEM(t, pki.caPath, "CERTIFICATE", caDER)
	writePEM(t, pki.certPath, "CERTIFICATE", serverDER)
	writePEM(t, pki.keyPath, "EC PRIVATE KEY", keyDER)
	return pki
}

// ocspResponder answers every request with status, signed by the CA.
type ocspResponder struct {
	pki      *testPKI
	status   *atomic.Int64
	requests *atomic.Int64
}

func (r *ocspResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.requests.Inc()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parsed, err := ocsp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	template := ocsp.Response{
		Status:       int(r.status.Load()),
		SerialNumber: parsed.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(2 * time.Hour),
	}
	if template.Status == ocsp.Revoked {
		template.RevokedAt = now.Add(-time.Minute)
	}
	raw, err := ocsp.CreateResponse(r.pki.caCert, r.pki.caCert, template, r.pki.caKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(raw)
}

func newOCSPFixture(t *testing.T) (*testPKI, *ocspResponder) {
	t.Helper()
	responder := &ocspResponder{status: atomic.NewInt64(int64(ocsp.Good)), requests: atomic.NewInt64(0)}
	server := httptest.NewServer(responder)
	t.Cleanup(server.Close)
	responder.pki = newTestPKI(t, server.URL)
	return responder.pki, responder
}

func TestTLSListenerEchoWithStaple(t *testing.T) {
	pki, responder := newOCSPFixture(t)
	config, stapler, err := LoadTLSConfig(TLSConfig{
		Enabled:    true,
		CertPath:   pki.certPath,
		KeyPath:    pki.keyPath,
		CACertPath: pki.caPath,
		OCSPStaple: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, stapler)
	require.NoError(t, stapler.Refresh(context.Background()))
	require.NotEmpty(t, stapler.Staple())

	require.NoError(t, stapler.RefreshIfDue(context.Background()))
	assert.Equal(t, int64(1), responder.requests.Load(), "a fresh staple is not refetched")

	params := testParams()
	ln := startListener(t, params, echoHandlers(), WithTransport(TLSTransport(config, 2*time.Second, 2*time.Second)))

	roots := x509.NewCertPool()
	roots.AddCert(pki.caCert)
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", ln.Addr().String(), &tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
	})
	require.NoError(t, err)
	defer conn.Close()

	staple := conn.ConnectionState().OCSPResponse
	require.NotEmpty(t, staple)
	response, err := ocsp.ParseResponse(staple, pki.caCert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, response.Status)

	for _, line := range []string{"first", "second"} {
		reply, err := roundTrip(conn, line)
		require.NoError(t, err)
		assert.Equal(t, line, reply)
	}
	assert.Equal(t, 1, ln.Connections())
}

func TestTLSListenerServesPipelinedRequests(t *testing.T) {
	pki, _ := newOCSPFixture(t)
	config, _, err := LoadTLSConfig(TLSConfig{
		Enabled:  true,
		CertPath: pki.certPath,
		KeyPath:  pki.keyPath,
	}, zerolog.Nop())
	require.NoError(t, err)

	// one read per item with a small buffer: a single TLS record holds far
	// more plaintext than one item consumes
	params := testParams()
	params.ReadBufferSize = 512
	params.MaxReadsPerEvent = 1
	ln := startListener(t, params, echoHandlers(), WithTransport(TLSTransport(config, 2*time.Second, 2*time.Second)))

	roots := x509.NewCertPool()
	roots.AddCert(pki.caCert)
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", ln.Addr().String(), &tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
	})
	require.NoError(t, err)
	defer conn.Close()

	const count = 50
	var batch strings.Builder
	for i := 0; i < count; i++ {
		fmt.Fprintf(&batch, "%03d %s\n", i, strings.Repeat("x", 96))
	}
	require.Greater(t, batch.Len(), params.ReadBufferSize*params.MaxReadsPerEvent)
	_, err = io.WriteString(conn, batch.String())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	scanner := bufio.NewScanner(conn)
	var replies []string
	for len(replies) < count && scanner.Scan() {
		replies = append(replies, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, replies, count)
	assert.Equal(t, batch.String(), strings.Join(replies, "\n")+"\n")
}

func TestTLSListenerDropsFailedHandshake(t *testing.T) {
	pki, _ := newOCSPFixture(t)
	config, stapler, err := LoadTLSConfig(TLSConfig{
		Enabled:  true,
		CertPath: pki.certPath,
		KeyPath:  pki.keyPath,
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, stapler)

	ln := startListener(t, testParams(), echoHandlers(), WithTransport(TLSTransport(config, time.Second, time.Second)))
	conn := dial(t, ln)
	_, err = io.WriteString(conn, "this is not a client hello\n")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _ = io.ReadAll(conn)

	require.Eventually(t, func() bool { return ln.Connections() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), ln.SnapshotStats().Closed)
}

func TestOCSPStaplerKeepsStapleOnRevocation(t *testing.T) {
	pki, responder := newOCSPFixture(t)
	responder.status.Store(int64(ocsp.Revoked))
	_, stapler, err := LoadTLSConfig(TLSConfig{
		Enabled:    true,
		CertPath:   pki.certPath,
		KeyPath:    pki.keyPath,
		CACertPath: pki.caPath,
		OCSPStaple: true,
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Error(t, stapler.Refresh(context.Background()))
	assert.Empty(t, stapler.Staple())
	require.NoError(t, stapler.RefreshIfDue(context.Background()))
	assert.Equal(t, int64(1), responder.requests.Load(), "retry waits for the retry interval")
}

func TestLoadTLSConfigErrors(t *testing.T) {
	pki, _ := newOCSPFixture(t)

	_, _, err := LoadTLSConfig(TLSConfig{Enabled: true, CertPath: "missing.pem", KeyPath: pki.keyPath}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, _, err = LoadTLSConfig(TLSConfig{Enabled: true, CertPath: pki.certPath, KeyPath: pki.keyPath, ClientAuth: true}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, _, err = LoadTLSConfig(TLSConfig{Enabled: true, CertPath: pki.certPath, KeyPath: pki.keyPath, OCSPStaple: true}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config, _, err := LoadTLSConfig(TLSConfig{
		Enabled:    true,
		CertPath:   pki.certPath,
		KeyPath:    pki.keyPath,
		CACertPath: pki.caPath,
		ClientAuth: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, config.ClientAuth)
}
