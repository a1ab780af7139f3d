package pve

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTicket = "PVE:root@pam:66F1A2B3::c2lnbmF0dXJl"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// configFor points a Config at an httptest server
func configFor(t *testing.T, server *httptest.Server) Config {
	t.Helper()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return Config{
		Host:          u.Scheme + "://" + u.Hostname(),
		Port:          port,
		Realm:         "pam",
		Username:      "root",
		Password:      "admin",
		LoginEndpoint: DefaultLoginEndpoint,
	}
}

func certPEM(server *httptest.Server) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
}

func writeTicket(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{
			"username":            "root@pam",
			"CSRFPreventionToken": "66F1A2B3:csrf",
			"ticket":              testTicket,
		},
	})
}

// newTestServer emulates the ticket endpoint and a cookie-protected /nodes endpoint
func newTestServer(t *testing.T, loginStatus int) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc(DefaultLoginEndpoint, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "root", r.PostForm.Get("username"))
		assert.Equal(t, "pam", r.PostForm.Get("realm"))
		assert.Equal(t, "admin", r.PostForm.Get("password"))

		if loginStatus != http.StatusOK {
			w.WriteHeader(loginStatus)
			return
		}
		writeTicket(w)
	})
	mux.HandleFunc("/api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CookieName)
		if err != nil || cookie.Value != testTicket {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("full"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"node": "pve1", "status": "online"},
				{"node": "pve2", "status": "offline"},
			},
		})
	})
	mux.HandleFunc("/api2/json/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "66F1A2B3:csrf", r.Header.Get(CSRFHeader))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "100", r.PostForm.Get("vmid"))
		json.NewEncoder(w).Encode(map[string]any{"data": "UPID:pve1:000A:create"})
	})
	mux.HandleFunc(VersionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"version": "8.2.4", "release": "8.2", "repoid": "faa83925c9641325"},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestNewClient(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name    string
		cfg     Config
		opts    []Option
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			cfg:  Config{Host: "https://localhost", Port: 8006},
		},
		{
			name:    "missing host",
			cfg:     Config{Port: 8006},
			wantErr: true,
			errMsg:  "host is required",
		},
		{
			name:    "port out of range",
			cfg:     Config{Host: "https://localhost", Port: 70000},
			wantErr: true,
			errMsg:  "out of range",
		},
		{
			name:    "missing scheme",
			cfg:     Config{Host: "localhost", Port: 8006},
			wantErr: true,
		},
		{
			name:    "verify without CA file",
			cfg:     Config{Host: "https://localhost", Port: 8006, VerifySSL: true, CACertPath: "does/not/exist.pem"},
			wantErr: true,
			errMsg:  "read CA certificate",
		},
		{
			name:    "verify without CA file and custom http client",
			cfg:     Config{Host: "https://localhost", Port: 8006, VerifySSL: true, CACertPath: "does/not/exist.pem"},
			opts:    []Option{WithHTTPClient(&http.Client{})},
			wantErr: true,
			errMsg:  "read CA certificate",
		},
		{
			name: "custom http client",
			cfg:  Config{Host: "https://localhost", Port: 8006},
			opts: []Option{WithHTTPClient(&http.Client{})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg, logger, tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultLoginEndpoint, client.cfg.LoginEndpoint)
			assert.Equal(t, DefaultTimeout, client.httpClient.Timeout)
			assert.False(t, client.Authenticated())
		})
	}
}

func TestNewClientCACert(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTicket(w)
	}))
	defer server.Close()

	t.Run("not PEM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

		_, err := NewClient(Config{Host: "https://localhost", Port: 8006, VerifySSL: true, CACertPath: path}, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no PEM certificates")
	})

	t.Run("trusted CA", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, certPEM(server), 0o600))

		cfg := configFor(t, server)
		cfg.VerifySSL = true
		cfg.CACertPath = path

		client, err := NewClient(cfg, zerolog.Nop())
		require.NoError(t, err)

		session, err := client.Login(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testTicket, session.Ticket)
	})
}

func TestClientOptions(t *testing.T) {
	cfg := Config{Host: "https://localhost", Port: 8006, Timeout: 20 * time.Second}

	t.Run("config timeout", func(t *testing.T) {
		client, err := NewClient(cfg, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 20*time.Second, client.httpClient.Timeout)
	})

	t.Run("with timeout", func(t *testing.T) {
		client, err := NewClient(cfg, zerolog.Nop(), WithTimeout(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, client.httpClient.Timeout)
	})

	t.Run("with user agent", func(t *testing.T) {
		client, err := NewClient(cfg, zerolog.Nop(), WithUserAgent("pvectl/test"))
		require.NoError(t, err)
		assert.Equal(t, "pvectl/test", client.userAgent)
	})

	t.Run("with custom http client", func(t *testing.T) {
		custom := &http.Client{}
		client, err := NewClient(cfg, zerolog.Nop(), WithHTTPClient(custom))
		require.NoError(t, err)
		assert.NotSame(t, custom, client.httpClient)
		assert.Nil(t, custom.Jar)
		assert.NotNil(t, client.httpClient.Jar)
	})
}

func TestLogin(t *testing.T) {
	t.Run("success populates session and cookie", func(t *testing.T) {
		server := newTestServer(t, http.StatusOK)
		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		session, err := client.Login(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &Session{
			Username:  "root@pam",
			CSRFToken: "66F1A2B3:csrf",
			Ticket:    testTicket,
		}, session)
		assert.Equal(t, session, client.Session())
		assert.True(t, client.Authenticated())
		assert.Equal(t, testTicket, client.Cookie())
	})

	t.Run("unauthorized leaves no session", func(t *testing.T) {
		server := newTestServer(t, http.StatusUnauthorized)
		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		session, err := client.Login(context.Background())
		require.Error(t, err)
		assert.Nil(t, session)
		assert.ErrorIs(t, err, ErrUnauthorized)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.True(t, apiErr.IsUnauthorized())
		assert.Contains(t, apiErr.Message, "root")

		assert.Nil(t, client.Session())
		assert.Empty(t, client.Cookie())
	})

	t.Run("unexpected status is an error", func(t *testing.T) {
		server := newTestServer(t, http.StatusInternalServerError)
		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		_, err = client.Login(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
		assert.NotErrorIs(t, err, ErrUnauthorized)
		assert.False(t, client.Authenticated())
	})

	t.Run("missing ticket", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":null}`))
		}))
		defer server.Close()

		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		_, err = client.Login(context.Background())
		assert.ErrorIs(t, err, ErrInvalidResponse)
		assert.False(t, client.Authenticated())
	})

	t.Run("transport failure", func(t *testing.T) {
		client, err := NewClient(Config{Host: "http://pve.invalid", Port: 8006}, zerolog.Nop(),
			WithHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			})}))
		require.NoError(t, err)

		session, err := client.Login(context.Background())
		require.Error(t, err)
		assert.Nil(t, session)
		assert.ErrorIs(t, err, ErrTransport)
		assert.Contains(t, err.Error(), "connection refused")
		assert.False(t, client.Authenticated())
	})

	t.Run("failed login clears earlier session", func(t *testing.T) {
		var status atomic.Int32
		status.Store(http.StatusOK)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if code := int(status.Load()); code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
			writeTicket(w)
		}))
		defer server.Close()

		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		_, err = client.Login(context.Background())
		require.NoError(t, err)
		require.Equal(t, testTicket, client.Cookie())

		status.Store(http.StatusUnauthorized)
		_, err = client.Login(context.Background())
		require.Error(t, err)
		assert.Nil(t, client.Session())
		assert.Empty(t, client.Cookie())
	})
}

func TestGet(t *testing.T) {
	t.Run("before login", func(t *testing.T) {
		server := newTestServer(t, http.StatusOK)
		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		resp, err := client.Get(context.Background(), "/api2/json/nodes", url.Values{"full": {"1"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(t, resp.Data)
		assert.False(t, resp.OK())
		assert.ErrorIs(t, resp.Err(), ErrUnauthorized)
	})

	t.Run("after login", func(t *testing.T) {
		server := newTestServer(t, http.StatusOK)
		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		_, err = client.Login(context.Background())
		require.NoError(t, err)

		resp, err := client.Get(context.Background(), "api2/json/nodes", url.Values{"full": {"1"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "OK", resp.Reason)
		assert.NoError(t, resp.Err())

		nodes, ok := resp.Data.([]any)
		require.True(t, ok)
		assert.Len(t, nodes, 2)

		var decoded []struct {
			Node   string `json:"node"`
			Status string `json:"status"`
		}
		require.NoError(t, resp.Decode(&decoded))
		assert.Equal(t, "pve1", decoded[0].Node)
		assert.Equal(t, "offline", decoded[1].Status)
		assert.NotNil(t, client.Session(), "get must not touch the session")
	})

	t.Run("transport failure", func(t *testing.T) {
		client, err := NewClient(Config{Host: "http://pve.invalid", Port: 8006}, zerolog.Nop(),
			WithHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("connection reset by peer")
			})}))
		require.NoError(t, err)

		resp, err := client.Get(context.Background(), "/api2/json/nodes", nil)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Nil(t, resp.Data)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("data parsed regardless of status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"data":null,"errors":{"vmid":"invalid format"}}`))
		}))
		defer server.Close()

		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		resp, err := client.Get(context.Background(), "/api2/json/cluster/nextid", url.Values{"vmid": {"x"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Nil(t, resp.Data)

		var apiErr *APIError
		require.True(t, errors.As(resp.Err(), &apiErr))
		assert.Contains(t, apiErr.Body, "invalid format")
	})

	t.Run("non JSON body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>proxy</html>"))
		}))
		defer server.Close()

		client, err := NewClient(configFor(t, server), zerolog.Nop())
		require.NoError(t, err)

		resp, err := client.Get(context.Background(), "/", nil)
		require.NoError(t, err)
		assert.Nil(t, resp.Data)
		assert.ErrorIs(t, resp.Decode(&struct{}{}), ErrInvalidResponse)
	})
}

func TestPost(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	client, err := NewClient(configFor(t, server), zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Login(context.Background())
	require.NoError(t, err)

	resp, err := client.Post(context.Background(), "/api2/json/nodes/pve1/qemu", url.Values{"vmid": {"100"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UPID:pve1:000A:create", resp.Data)
}

func TestLogout(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	client, err := NewClient(configFor(t, server), zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Login(context.Background())
	require.NoError(t, err)

	client.Logout()
	assert.False(t, client.Authenticated())
	assert.Empty(t, client.Cookie())

	resp, err := client.Get(context.Background(), "/api2/json/nodes", url.Values{"full": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVersion(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	client, err := NewClient(configFor(t, server), zerolog.Nop())
	require.NoError(t, err)

	info, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "8.2", info.Release)

	v, err := info.Semver()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), v.Major)
	assert.Equal(t, uint64(2), v.Minor)
	assert.Equal(t, uint64(4), v.Patch)
}

func TestAPIError(t *testing.T) {
	t.Run("Error message", func(t *testing.T) {
		err := &APIError{StatusCode: 404, Message: "Not Found"}
		assert.Equal(t, "pve API error: status 404: Not Found", err.Error())
	})

	t.Run("IsNotFound", func(t *testing.T) {
		err := &APIError{StatusCode: 404}
		assert.True(t, err.IsNotFound())

		err.StatusCode = 500
		assert.False(t, err.IsNotFound())
	})

	t.Run("IsUnauthorized", func(t *testing.T) {
		tests := []struct {
			code     int
			expected bool
		}{
			{401, true},
			{403, false},
			{404, false},
			{500, false},
		}

		for _, tt := range tests {
			err := &APIError{StatusCode: tt.code}
			assert.Equal(t, tt.expected, err.IsUnauthorized())
		}
	})

	t.Run("sentinels", func(t *testing.T) {
		assert.ErrorIs(t, &APIError{StatusCode: 401}, ErrUnauthorized)
		assert.NotErrorIs(t, &APIError{StatusCode: 401}, ErrUnexpectedStatus)
		assert.ErrorIs(t, &APIError{StatusCode: 404}, ErrUnexpectedStatus)
		assert.ErrorIs(t, &APIError{StatusCode: 500}, ErrUnexpectedStatus)
		assert.NotErrorIs(t, &APIError{StatusCode: 500}, ErrUnauthorized)
	})
}
