// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"context"
	"crypto/tls"
	goerrors "errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datawind/qtad/internal/errors"
	"github.com/datawind/qtad/internal/logging"
)

// DefaultEndpoint is the fixed control-server URL.
const DefaultEndpoint = "https://support.datawind-s.com/datausage/dataconfig.jsp"

// userAgent matches the original client, in case the server keys any
// behavior off it.
const userAgent = "libcurl-agent/1.0"

// retryInterval is the pause between transport-error retries.
const retryInterval = 50 * time.Second

// Client posts usage summaries to the control server and parses its
// reply.
type Client struct {
	httpClient    *http.Client
	endpoint      string
	logger        *logging.Logger
	RetryInterval time.Duration
}

// Config configures a Client.
type Config struct {
	Endpoint           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// New builds a Client from cfg.
func New(cfg Config, logger *logging.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default().WithComponent("control")
	}

	transport := &http.Transport{}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // matches original SSL_VERIFYPEER=0, config-gated
	}

	return &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		endpoint:      cfg.Endpoint,
		logger:        logger,
		RetryInterval: retryInterval,
	}
}

// Post sends one control round and parses the reply's dw-* headers.
func (c *Client) Post(ctx context.Context, payload Payload) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return Response{}, errors.Wrap(err, errors.KindInternal, "control: build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	return ParseHeaders(resp.Header), nil
}

// ParseHeaders extracts the recognized dw-* fields from an HTTP header
// set. Per the source's dual write-callback behavior, only headers are
// consulted — never the response body.
func ParseHeaders(h http.Header) Response {
	return Response{
		Message:     h.Get("dw-message"),
		Error:       h.Get("dw-error"),
		UsageInfo:   h.Get("dw-usageinfo"),
		Compression: h.Get("dw-compression"),
		UserMessage: h.Get("dw-usermessage"),
		Restrict:    h.Get("dw-restrict"),
	}
}

// IsConnectivityClass reports whether err looks like a DNS/connection
// failure rather than, say, a context cancellation or a malformed
// request — loosely the "connectivity-class" range the original retries
// indefinitely on.
func IsConnectivityClass(err error) bool {
	if err == nil {
		return false
	}
	// Every http.Client.Do error is a *url.Error, which itself satisfies
	// net.Error; classify by the error it wraps instead.
	var urlErr *url.Error
	if goerrors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var dnsErr *net.DNSError
	if goerrors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if goerrors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if goerrors.As(err, &netErr) {
		return true
	}
	return false
}

// classifyTransportError tags a failed Do() call with the Kind the
// control loop and its logging need: a timed-out net.Error becomes
// KindTimeout, any other connectivity-class failure (DNS, dial, reset)
// becomes KindUnavailable, anything else is KindInternal.
func classifyTransportError(err error) error {
	var netErr net.Error
	if goerrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.KindTimeout, "control: request timed out")
	}
	if IsConnectivityClass(err) {
		return errors.Wrap(err, errors.KindUnavailable, "control: server unreachable")
	}
	return errors.Wrap(err, errors.KindInternal, "control: request failed")
}

// PostWithRetry calls Post, retrying every 50s while the transport error
// is connectivity-class, until success, a non-connectivity error, or ctx
// is cancelled.
func (c *Client) PostWithRetry(ctx context.Context, payload Payload) (Response, error) {
	for {
		resp, err := c.Post(ctx, payload)
		if err == nil {
			return resp, nil
		}
		if !IsConnectivityClass(err) {
			return Response{}, err
		}

		c.logger.Diag("control round failed, retrying", "error", err, "retry_in", c.RetryInterval)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(c.RetryInterval):
		}
	}
}
