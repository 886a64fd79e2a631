package amplitude

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/padak/keboola-amplitude/pkg/config"
)

// httpDoer is the slice of http.Client the dispatch path needs. Tests
// substitute it to exercise retry behavior without a network.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient builds the shared transport for all Amplitude calls.
// Connection reuse matters here: batch uploads and export downloads hit the
// same two hosts repeatedly, so idle connections are kept warm.
func newHTTPClient(cfg *config.Config, log *zap.Logger) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeouts.Connection,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.Performance.MaxConcurrency * 2,
		MaxIdleConnsPerHost:   cfg.Performance.MaxConcurrency,
		IdleConnTimeout:       cfg.Timeouts.Idle,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeouts.Request,
		ExpectContinueTimeout: 1 * time.Second,
		// Export archives are decompressed explicitly; automatic gzip
		// handling would strip the magic bytes the decoder sniffs on
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn("failed to configure HTTP/2, falling back to HTTP/1.1", zap.Error(err))
	}

	return &http.Client{
		Transport: transport,
		// No client-level timeout: export downloads can legitimately run
		// for minutes. Per-request deadlines come from the caller's context.
	}
}
