package api

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go-civitai-models/internal/models"
)

// NewTransport builds the base transport from cfg: proxy, TLS verification
// and per-request connect and response-header timeouts.
func NewTransport(cfg models.Config) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", cfg.Proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	if cfg.DisableSsl {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := RequestTimeout(cfg)
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return t, nil
}

// RequestTimeout is cfg.TimeoutSec as a duration.
func RequestTimeout(cfg models.Config) time.Duration {
	if cfg.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.TimeoutSec) * time.Second
}

// NewAPIHTTPClient returns a client for JSON calls, bounded as a whole by
// the configured timeout. A nil rt uses NewTransport(cfg), falling back to
// the default transport when the proxy is invalid.
func NewAPIHTTPClient(cfg models.Config, rt http.RoundTripper) *http.Client {
	return &http.Client{Transport: orDefault(cfg, rt), Timeout: RequestTimeout(cfg)}
}

// NewTransferHTTPClient returns a client for file bodies. It has no overall
// deadline; stalls are caught by the transport's header timeout and the
// downloader's read watchdog.
func NewTransferHTTPClient(cfg models.Config, rt http.RoundTripper) *http.Client {
	return &http.Client{Transport: orDefault(cfg, rt)}
}

func orDefault(cfg models.Config, rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	t, err := NewTransport(cfg)
	if err != nil {
		return http.DefaultTransport
	}
	return t
}
