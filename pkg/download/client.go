package download

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/version"
)

// HTTPConfig configures the client used for mirror requests.
type HTTPConfig struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration

	// IdleReadTimeout aborts a response whose body stops making progress.
	IdleReadTimeout time.Duration

	UserAgent string
}

// DefaultHTTPConfig returns the timeouts used against the CDN.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ConnectTimeout:        15 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleReadTimeout:       15 * time.Second,
		UserAgent:             "assetsync/" + version.Version,
	}
}

// HTTPClient performs GET requests against mirrors.
type HTTPClient struct {
	client *http.Client
	config HTTPConfig
}

// NewHTTPClient returns a client configured by cfg. Zero values in cfg are
// replaced by the defaults.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	defaults := DefaultHTTPConfig()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if cfg.IdleReadTimeout == 0 {
		cfg.IdleReadTimeout = defaults.IdleReadTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
	}
	return &HTTPClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

// Get requests url. Request failures and non-2xx responses are returned as
// TransportErrors. The caller must close the returned body.
func (c *HTTPClient) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, &errors.TransportError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, &errors.TransportError{URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &errors.TransportError{URL: url, StatusCode: resp.StatusCode}
	}
	return newIdleTimeoutReader(resp.Body, cancel, c.config.IdleReadTimeout), nil
}

// idleTimeoutReader cancels its request if no data arrives for the timeout.
type idleTimeoutReader struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutReader(body io.ReadCloser, cancel context.CancelFunc,
	timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{
		body:    body,
		cancel:  cancel,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, cancel),
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	err := r.body.Close()
	r.cancel()
	return err
}
