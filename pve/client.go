package pve

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
)

// Client talks to one PVE node with at most one live session.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger

	mu      sync.RWMutex
	session *Session
}

// NewClient creates a new PVE client. No request is made until Login.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.LoginEndpoint == "" {
		cfg.LoginEndpoint = DefaultLoginEndpoint
	}

	base, err := url.Parse(cfg.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: host %q must start with http:// or https://", ErrInvalidConfig, cfg.Host)
	}

	options := &clientOptions{
		timeout:   cfg.Timeout,
		userAgent: "pvectl",
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.timeout <= 0 {
		options.timeout = DefaultTimeout
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// the CA file is checked even when the caller brings its own client
	tlsConfig, err := buildTLSConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	var httpClient *http.Client
	if options.httpClient != nil {
		hc := *options.httpClient
		httpClient = &hc
	} else {
		transport := cleanhttp.DefaultPooledTransport()
		transport.TLSClientConfig = tlsConfig
		httpClient = &http.Client{Transport: transport}
	}
	httpClient.Jar = jar
	httpClient.Timeout = options.timeout

	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
		userAgent:  options.userAgent,
		logger:     logger,
	}, nil
}

// buildTLSConfig trusts only the configured CA when verification is on,
// and skips verification otherwise.
func buildTLSConfig(cfg Config, logger zerolog.Logger) (*tls.Config, error) {
	if !cfg.VerifySSL {
		logger.Debug().Msg("TLS certificate verification disabled")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	pem, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read CA certificate: %w", ErrInvalidConfig, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no PEM certificates in %s", ErrInvalidConfig, cfg.CACertPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Login exchanges the configured credentials for a session ticket.
//
// On success the ticket is stored as the PVEAuthCookie cookie for all later
// calls. Any failure leaves the client without a session.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	loginURL := c.baseURL.String() + c.cfg.LoginEndpoint
	form := url.Values{
		"username": {c.cfg.Username},
		"realm":    {c.cfg.Realm},
		"password": {c.cfg.Password},
	}

	c.logger.Info().
		Str("url", loginURL).
		Str("user", c.cfg.Username).
		Str("realm", c.cfg.Realm).
		Msg("Trying to authenticate")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.clearSession()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.clearSession()
		c.logger.Error().Err(err).Str("url", loginURL).Msg("Login request failed")
		return nil, transportError("POST", loginURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.clearSession()
		return nil, transportError("POST", loginURL, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug().Int("status", resp.StatusCode).Msg("Login response")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		c.clearSession()
		c.logger.Warn().Str("user", c.cfg.Username).Msg("Authentication failure")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("authentication failure for user %s", c.cfg.Username),
			Body:       string(body),
		}
	default:
		c.clearSession()
		c.logger.Warn().Int("status", resp.StatusCode).Msg("Unexpected login response")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    "unexpected login response: " + reasonPhrase(resp),
			Body:       string(body),
		}
	}

	session, err := parseTicket(body)
	if err != nil {
		c.clearSession()
		return nil, err
	}

	c.setSession(session)
	c.logger.Info().Str("user", session.Username).Msg("Authentication succeeded")

	out := *session
	return &out, nil
}

func parseTicket(body []byte) (*Session, error) {
	var ticket ticketResponse
	if err := json.Unmarshal(body, &ticket); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ticket: %w", ErrInvalidResponse, err)
	}
	if ticket.Data == nil || ticket.Data.Ticket == "" {
		return nil, fmt.Errorf("%w: ticket missing from login response", ErrInvalidResponse)
	}
	return &Session{
		Username:  ticket.Data.Username,
		CSRFToken: ticket.Data.CSRFPreventionToken,
		Ticket:    ticket.Data.Ticket,
	}, nil
}

// Logout forgets the session. Nothing is sent to the server.
func (c *Client) Logout() {
	c.clearSession()
}

// Get performs an authenticated GET request.
//
// Every HTTP response yields a Response with a nil error, whatever its status;
// use Response.Err to classify it. When no response was received the returned
// Response has status 500 and no data, and the error matches ErrTransport.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, endpoint, params, nil)
}

// Post performs an authenticated POST request with a form body.
// It follows the same contract as Get and sends the CSRF token when a session exists.
func (c *Client) Post(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	return c.do(ctx, http.MethodPost, endpoint, nil, form)
}

// Version fetches the server version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	resp, err := c.Get(ctx, VersionEndpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var info VersionInfo
	if err := resp.Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// do performs an HTTP request carrying the session cookie
func (c *Client) do(ctx context.Context, method, endpoint string, params, form url.Values) (*Response, error) {
	requestURL := c.endpointURL(endpoint, params)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return transportFailure(err), fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if method != http.MethodGet {
		if session := c.Session(); session != nil && session.CSRFToken != "" {
			req.Header.Set(CSRFHeader, session.CSRFToken)
		}
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", requestURL).
		Bool("authenticated", c.Authenticated()).
		Msg("Making PVE API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("url", requestURL).Msg("Request failed")
		return transportFailure(err), transportError(method, requestURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportFailure(err), transportError(method, requestURL, fmt.Errorf("failed to read response body: %w", err))
	}

	result := newResponse(resp, raw)
	c.logger.Info().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", result.StatusCode).
		Msg("Response received")

	return result, nil
}

func (c *Client) endpointURL(endpoint string, params url.Values) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	u := c.baseURL.String() + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Session returns a copy of the current session, or nil before a successful login.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Authenticated reports whether a session is held.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Cookie returns the PVEAuthCookie value the next request would carry.
func (c *Client) Cookie() string {
	for _, cookie := range c.httpClient.Jar.Cookies(c.cookieURL()) {
		if cookie.Name == CookieName {
			return cookie.Value
		}
	}
	return ""
}

func (c *Client) cookieURL() *url.URL {
	u := *c.baseURL
	u.Path = "/"
	return &u
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = s
	c.httpClient.Jar.SetCookies(c.cookieURL(), []*http.Cookie{{
		Name:  CookieName,
		Value: s.Ticket,
		Path:  "/",
	}})
}

func (c *Client) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = nil
	c.httpClient.Jar.SetCookies(c.cookieURL(), []*http.Cookie{{
		Name:   CookieName,
		Path:   "/",
		MaxAge: -1,
	}})
}
