package e2e_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/NinoDja/readwise-mcp-remote3/internal/auth"
	"github.com/NinoDja/readwise-mcp-remote3/internal/gateway"
	"github.com/NinoDja/readwise-mcp-remote3/internal/mcpserver"
	"github.com/NinoDja/readwise-mcp-remote3/internal/metrics"
	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
	"github.com/NinoDja/readwise-mcp-remote3/internal/server"
)

const (
	testClientID  = "e2e-test-client"
	testSecret    = "e2e-test-secret-value"
	readwiseToken = "rw-e2e-token"
	redirectURI   = "http://127.0.0.1:19876/callback"
)

// upstreamRequest is one request seen by the fake Readwise API.
type upstreamRequest struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
	Body   string
}

// fakeReadwise records requests and answers a handful of Readwise routes.
type fakeReadwise struct {
	mu       sync.Mutex
	requests []upstreamRequest
}

func (f *fakeReadwise) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	_, _ = body.ReadFrom(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, upstreamRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Auth:   r.Header.Get("Authorization"),
		Body:   body.String(),
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/api/v2/auth/":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/highlights/":
		_, _ = w.Write([]byte(`{"count":1,"next":null,"results":[{"id":7,"text":"A line worth keeping"}]}`))
	case "/api/v3/list/":
		_, _ = w.Write([]byte(`{"count":1,"nextPageCursor":null,"results":[{"id":"doc1","tags":{"Go":{"name":"Go"}}}]}`))
	case "/api/v3/update/doc1/":
		_, _ = w.Write([]byte(`{"id":"doc1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Not found."}`))
	}
}

func (f *fakeReadwise) seen() []upstreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]upstreamRequest(nil), f.requests...)
}

// harness holds the full e2e test stack: a real HTTP server backed by the
// credential broker and gateway, talking to a fake Readwise API.
type harness struct {
	URL      string
	Broker   *auth.Broker
	Upstream *fakeReadwise
	Client   *http.Client
}

// newHarness wires the whole HTTP stack via server.NewMux and starts an
// httptest server in front of it.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	upstream := &fakeReadwise{}
	rw := httptest.NewServer(upstream)
	t.Cleanup(rw.Close)

	m := metrics.New()
	client := readwise.NewClient(rw.URL+"/api", readwiseToken, 5*time.Second, logger,
		readwise.WithHTTPClient(rw.Client()),
		readwise.WithObserver(m),
	)

	broker := auth.NewBroker(auth.NewMemoryStore(), auth.ClientCredentials{testClientID: testSecret}, logger, auth.WithRecorder(m))
	t.Cleanup(broker.Stop)

	registry := mcpserver.NewRegistry(client, logger, mcpserver.WithObserver(m))

	// Use NewUnstartedServer so the server URL is known before building
	// the mux.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	gw := gateway.New(broker, registry, logger,
		gateway.WithRecorder(m),
		gateway.WithResourceMetadata(serverURL+"/.well-known/oauth-protected-resource"),
	)

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Broker:         broker,
		Gateway:        gw,
		Metrics:        m.Handler(),
		Tools:          registry.Len(),
		Version:        "test",
		ServerURL:      serverURL,
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:      serverURL,
		Broker:   broker,
		Upstream: upstream,
		Client:   ts.Client(),
	}
}

// tokenResponse is the JSON body returned by POST /token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// authorize runs GET /authorize and returns the code from the redirect.
func (h *harness) authorize(t *testing.T, clientID string) string {
	t.Helper()

	resp := h.doGetNoRedirect(t, "/authorize?"+url.Values{
		"client_id":    {clientID},
		"redirect_uri": {redirectURI},
		"state":        {"e2e-state"},
	}.Encode())
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "e2e-state", loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect")

	return code
}

// authCodeFlow performs authorize then the authorization_code exchange.
func (h *harness) authCodeFlow(t *testing.T) tokenResponse {
	t.Helper()

	code := h.authorize(t, testClientID)

	return h.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	})
}

// token posts form to /token and decodes a successful response.
func (h *harness) token(t *testing.T, form url.Values) tokenResponse {
	t.Helper()

	resp := h.doPostForm(t, "/token", form)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	return tr
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Every request the session makes is a separate /call.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/call",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGetNoRedirect performs a GET that does not follow redirects.
func (h *harness) doGetNoRedirect(t *testing.T, path string) *http.Response {
	t.Helper()

	noRedirect := *h.Client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := noRedirect.Do(req)
	require.NoError(t, err)

	return resp
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm performs a POST with form-encoded body and t.Context().
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostCall posts a raw JSON-RPC body to /call.
func (h *harness) doPostCall(t *testing.T, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/call", bytes.NewBufferString(body))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
