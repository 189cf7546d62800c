// Package acs implements the HTTP side of a provisioning session: one
// logical connection to the ACS over which the agent POSTs SOAP envelopes
// and empty keep-going requests.
//
// The client owns the quirks of the protocol so the session engine does
// not: Basic and Digest authentication negotiated from the 401 challenge
// (one retry per request, Digest preferred), a cookie jar for session
// affinity, manual 302/307 handling that swaps the session URL and resends
// the same POST once, the empty SOAPAction header on non-empty bodies, and
// optional suppression of Expect: 100-continue.
//
// A Client is built per session and is not safe for concurrent use.
package acs

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/cpeworks/cwmpd/internal/auth"
	"github.com/cpeworks/cwmpd/internal/logger"
)

// DefaultTimeout bounds one POST round trip.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent identifies the agent to the ACS.
const DefaultUserAgent = "cwmpd"

const contentType = `text/xml; charset="utf-8"`

// Config carries the acs.* settings the client needs.
type Config struct {
	// URL is the ACS endpoint. Scheme must be http or https.
	URL string

	// Username and Password answer the ACS's 401 challenge. Empty
	// credentials disable the authentication retry.
	Username string
	Password string

	// Timeout bounds one POST round trip. Zero means DefaultTimeout.
	Timeout time.Duration

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// DisableExpect100 drops the Expect: 100-continue header some ACS
	// front ends mishandle.
	DisableExpect100 bool

	// SSLCert is a PEM file holding the client certificate and its key.
	SSLCert string

	// SSLCACert is a PEM file with additional trusted roots.
	SSLCACert string

	// InsecureSkipVerify disables server certificate validation.
	InsecureSkipVerify bool

	// Observe, when non-nil, is called with the HTTP status of every
	// exchange, 0 for transport errors.
	Observe func(status int)
}

// Client posts session messages to the ACS.
type Client struct {
	url       string
	username  string
	password  string
	userAgent string
	expect100 bool
	observe   func(int)

	http *http.Client

	// challenge is the last 401 challenge; once set, every request is
	// sent with credentials preemptively.
	challenge *auth.Challenge
}

// NewClient builds a session client. The cookie jar starts empty: cookies
// live exactly as long as the client.
func NewClient(cfg Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	tlsConf := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.SSLCert != "" {
		pemData, err := os.ReadFile(cfg.SSLCert)
		if err != nil {
			return nil, fmt.Errorf("read client certificate: %w", err)
		}
		cert, err := tls.X509KeyPair(pemData, pemData)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}
	if cfg.SSLCACert != "" {
		pemData, err := os.ReadFile(cfg.SSLCACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.SSLCACert)
		}
		tlsConf.RootCAs = pool
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		url:       cfg.URL,
		username:  cfg.Username,
		password:  cfg.Password,
		userAgent: userAgent,
		expect100: !cfg.DisableExpect100,
		observe:   cfg.Observe,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:       tlsConf,
				ExpectContinueTimeout: time.Second,
			},
			// Redirects are handled in Send so the same POST body is
			// resent to the new URL.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// URL returns the endpoint the next POST will use. It changes when the ACS
// redirects the session.
func (c *Client) URL() string {
	return c.url
}

// Send posts one SOAP message and returns the response body. An empty body
// is the session's "no more requests" POST; an empty result means the ACS
// has nothing pending either.
//
// Parameters:
//   - ctx: bounds the whole exchange including authentication and redirect
//     retries
//   - body: the serialized envelope, or nil for the empty POST
//
// Returns:
//   - []byte: the response body, empty on 204 or an empty 200
//   - error: transport failures, authentication failure after one retry,
//     more than one redirect, or a non-200/204 status
func (c *Client) Send(ctx context.Context, body []byte) ([]byte, error) {
	authRetried := false
	redirected := false

	for {
		req, err := c.newRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if c.observe != nil {
				c.observe(0)
			}
			return nil, fmt.Errorf("post to acs: %w", err)
		}
		if c.observe != nil {
			c.observe(resp.StatusCode)
		}

		if resp.StatusCode == http.StatusUnauthorized && !authRetried && c.username != "" {
			challenge, err := pickChallenge(resp.Header)
			drainClose(resp)
			if err != nil {
				return nil, err
			}
			c.challenge = challenge
			authRetried = true
			continue
		}

		if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusTemporaryRedirect {
			location, err := resp.Location()
			drainClose(resp)
			if err != nil {
				return nil, fmt.Errorf("acs redirect without location: %w", err)
			}
			if redirected {
				return nil, errors.New("acs redirected more than once")
			}
			logger.Debug("Following ACS redirect", "url", location.String())
			c.url = location.String()
			redirected = true
			// The new endpoint issues its own challenge.
			authRetried = false
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			drainClose(resp)
			return nil, fmt.Errorf("acs returned status %d", resp.StatusCode)
		}

		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read acs response: %w", err)
		}
		if len(payload) > 0 {
			logger.Debug("Received session message", "size", len(payload), "body", string(payload))
		} else {
			logger.Debug("Received empty session message")
		}
		return payload, nil
	}
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
		logger.Debug("Sending session message", "size", len(body), "body", string(body))
	} else {
		logger.Debug("Sending empty session message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, reader)
	if err != nil {
		return nil, fmt.Errorf("build acs request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", contentType)
	if len(body) > 0 {
		// The protocol wants a SOAPAction header with an empty value;
		// direct map assignment keeps its exact capitalization.
		req.Header["SOAPAction"] = []string{""}
		if c.expect100 {
			req.Header.Set("Expect", "100-continue")
		}
	}
	if c.challenge != nil {
		header, err := c.authorization(req)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", header)
	}
	return req, nil
}

// authorization answers the cached challenge for this request.
func (c *Client) authorization(req *http.Request) (string, error) {
	switch c.challenge.Scheme {
	case auth.SchemeDigest:
		return auth.DigestAuthorization(*c.challenge, c.username, c.password, req.Method, req.URL.RequestURI())
	case auth.SchemeBasic:
		return auth.BasicAuthorization(c.username, c.password), nil
	}
	return "", fmt.Errorf("unsupported authentication scheme %q", c.challenge.Scheme)
}

// pickChallenge selects the strongest supported challenge from a 401
// response. Digest wins over Basic.
func pickChallenge(header http.Header) (*auth.Challenge, error) {
	var basic *auth.Challenge
	for _, value := range header.Values("Www-Authenticate") {
		ch, err := auth.ParseChallenge(value)
		if err != nil {
			continue
		}
		switch ch.Scheme {
		case auth.SchemeDigest:
			return &ch, nil
		case auth.SchemeBasic:
			if basic == nil {
				basic = &ch
			}
		}
	}
	if basic != nil {
		return basic, nil
	}
	return nil, errors.New("acs offered no supported authentication scheme")
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
