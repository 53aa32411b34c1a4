package dynlistener

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ocsp"
)

const (
	ocspMime          = "application/ocsp-request"
	ocspRefreshMargin = time.Hour
	ocspRetryInterval = 5 * time.Minute
)

// OCSPStapler keeps a fresh OCSP response stapled to the server
// certificate. Handshakes pick the current certificate via GetCertificate.
type OCSPStapler struct {
	responderURL string
	client       *http.Client
	issuer       *x509.Certificate
	leaf         *x509.Certificate
	base         tls.Certificate
	current      *atomic.Pointer[tls.Certificate]
	nextRefresh  *atomic.Time
	logger       zerolog.Logger
}

func NewOCSPStapler(cert tls.Certificate, issuer *x509.Certificate, responderURL string, logger zerolog.Logger) (*OCSPStapler, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	if responderURL == "" {
		if len(leaf.OCSPServer) == 0 {
			return nil, errors.New("certificate names no OCSP responder")
		}
		responderURL = leaf.OCSPServer[0]
	}
	return &OCSPStapler{
		responderURL: responderURL,
		client:       &http.Client{Timeout: 10 * time.Second},
		issuer:       issuer,
		leaf:         leaf,
		base:         cert,
		current:      atomic.NewPointer(&cert),
		nextRefresh:  atomic.NewTime(time.Time{}),
		logger:       logger,
	}, nil
}

// Refresh fetches a new response and staples it. A revoked or unknown
// status is an error and keeps the previous staple.
func (o *OCSPStapler) Refresh(ctx context.Context) error {
	request, err := ocsp.CreateRequest(o.leaf, o.issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return err
	}
	raw, err := o.sendOcspRequest(ctx, request)
	if err != nil {
		o.nextRefresh.Store(time.Now().Add(ocspRetryInterval))
		return err
	}
	response, err := ocsp.ParseResponse(raw, o.issuer)
	if err != nil {
		o.nextRefresh.Store(time.Now().Add(ocspRetryInterval))
		return err
	}
	if response.Status != ocsp.Good {
		o.nextRefresh.Store(time.Now().Add(ocspRetryInterval))
		return fmt.Errorf("ocsp status of certificate %s is %d", o.leaf.SerialNumber, response.Status)
	}
	stapled := o.base
	stapled.OCSPStaple = raw
	o.current.Store(&stapled)

	next := time.Now().Add(ocspRetryInterval)
	if !response.NextUpdate.IsZero() {
		next = response.NextUpdate.Add(-ocspRefreshMargin)
	}
	o.nextRefresh.Store(next)
	o.logger.Info().Msgf("ocsp staple updated, next refresh at %s", next.Format(time.RFC3339))
	return nil
}

// RefreshIfDue is meant to run on every housekeeping tick.
func (o *OCSPStapler) RefreshIfDue(ctx context.Context) error {
	if time.Now().Before(o.nextRefresh.Load()) {
		return nil
	}
	return o.Refresh(ctx)
}

func (o *OCSPStapler) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return o.current.Load(), nil
}

func (o *OCSPStapler) Staple() []byte {
	return o.current.Load().OCSPStaple
}

func (o *OCSPStapler) sendOcspRequest(ctx context.Context, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.responderURL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ocspMime)
	rsp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rsp.Body.Close(); err != nil {
			o.logger.Error().Msgf("got error while close http response: %+v", err)
		}
	}()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocsp responder answered %s", rsp.Status)
	}
	return io.ReadAll(rsp.Body)
}
