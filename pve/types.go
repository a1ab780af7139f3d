package pve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blang/semver"
)

const (
	// CookieName is the cookie PVE reads the session ticket from.
	CookieName = "PVEAuthCookie"
	// CSRFHeader carries the CSRF prevention token on state-changing calls.
	CSRFHeader = "CSRFPreventionToken"
	// DefaultLoginEndpoint is the ticket endpoint of the PVE JSON API.
	DefaultLoginEndpoint = "/api2/json/access/ticket"
	// VersionEndpoint reports the server version.
	VersionEndpoint = "/api2/json/version"
	// DefaultTimeout bounds every call when no timeout is configured.
	DefaultTimeout = 30 * time.Second
)

// Config holds the connection settings of a Client.
type Config struct {
	Host          string
	Port          int
	Realm         string
	Username      string
	Password      string
	VerifySSL     bool
	CACertPath    string
	LoginEndpoint string
	Timeout       time.Duration
}

// BaseURL returns "{host}:{port}" with any trailing slash removed from host.
func (c Config) BaseURL() string {
	return fmt.Sprintf("%s:%d", strings.TrimRight(c.Host, "/"), c.Port)
}

// Session is the result of a successful login.
type Session struct {
	Username  string
	CSRFToken string
	Ticket    string
}

// ticketResponse is the body of the ticket endpoint
type ticketResponse struct {
	Data *struct {
		Username            string `json:"username"`
		CSRFPreventionToken string `json:"CSRFPreventionToken"`
		Ticket              string `json:"ticket"`
	} `json:"data"`
}

// envelope is the common {"data": ...} wrapper of every API2 JSON response
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Response is the outcome of a single authenticated call.
type Response struct {
	StatusCode int
	Reason     string
	// Data is the decoded "data" member of the body, nil when absent.
	Data any

	raw  json.RawMessage
	body []byte
}

// newResponse builds a Response from the status line and body.
// The "data" member is decoded whatever the status.
func newResponse(resp *http.Response, body []byte) *Response {
	r := &Response{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		body:       body,
	}

	var env envelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		return r
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return r
	}

	var data any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return r
	}
	r.Data = data
	r.raw = env.Data
	return r
}

// transportFailure is the response handed back when no HTTP exchange happened.
func transportFailure(err error) *Response {
	return &Response{
		StatusCode: http.StatusInternalServerError,
		Reason:     err.Error(),
	}
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Raw returns the undecoded "data" member, nil when absent.
func (r *Response) Raw() json.RawMessage {
	return r.raw
}

// Decode unmarshals the "data" member into v.
func (r *Response) Decode(v any) error {
	if r.raw == nil {
		return fmt.Errorf("%w: response has no data", ErrInvalidResponse)
	}
	if err := json.Unmarshal(r.raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return nil
}

// Err returns an *APIError for statuses of 400 and above.
func (r *Response) Err() error {
	if r.StatusCode < 400 {
		return nil
	}
	return &APIError{
		StatusCode: r.StatusCode,
		Message:    r.Reason,
		Body:       string(r.body),
	}
}

// VersionInfo is the payload of the version endpoint
type VersionInfo struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}

// Semver parses Version, tolerating forms like "8.2" or "v8.2.4".
func (v VersionInfo) Semver() (semver.Version, error) {
	return semver.ParseTolerant(v.Version)
}
