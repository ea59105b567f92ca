package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/onlycat"
	"github.com/catflap-labs/onlycat-bridge/internal/setup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testKey = "management-key"

// stubClient accepts "good" and announces user 42.
type stubClient struct {
	token    string
	listener onlycat.Listener
}

func (c *stubClient) AddEventListener(_ string, fn onlycat.Listener) { c.listener = fn }

func (c *stubClient) Connect(context.Context) error {
	if c.token != "good" {
		return &onlycat.Error{Kind: onlycat.KindAuth, Message: "Invalid token"}
	}
	c.listener(gjson.Parse(`{"id":"42"}`))
	return nil
}

func (c *stubClient) SendMessage(context.Context, string, any) (gjson.Result, error) {
	return gjson.Parse("[]"), nil
}

func (c *stubClient) Disconnect(context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *entry.Registry) {
	t.Helper()
	cfg := &config.Config{RemoteManagement: config.RemoteManagement{SecretKey: testKey}}
	cfg.ApplyDefaults()

	reg := entry.NewRegistry(entry.NewFileStore(t.TempDir()))
	require.NoError(t, reg.Load(context.Background()))
	flows := flow.NewManager(reg, nil)
	flows.Register(setup.Domain, setup.Version, func() flow.Handler {
		return &setup.CredentialSetupStep{NewClient: func(token string) (setup.RemoteClient, error) {
			return &stubClient{token: token}, nil
		}}
	})
	return NewServer(cfg, flows, reg), reg
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestFlowLifecycleOverHTTP(t *testing.T) {
	s, reg := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v0/flows", map[string]string{"handler": "onlycat"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "form", body.Get("type").String())
	assert.Equal(t, "user", body.Get("step_id").String())
	assert.Equal(t, "access_token", body.Get("data_schema.0.name").String())
	assert.Equal(t, "password", body.Get("data_schema.0.type").String())
	assert.JSONEq(t, `{}`, body.Get("errors").Raw)
	flowID := body.Get("flow_id").String()
	require.NotEmpty(t, flowID)

	w = do(t, s, http.MethodPost, "/v0/flows/"+flowID, map[string]string{"access_token": "bad"})
	require.Equal(t, http.StatusOK, w.Code)
	body = gjson.Parse(w.Body.String())
	assert.Equal(t, "form", body.Get("type").String())
	assert.Equal(t, "auth", body.Get("errors.base").String())
	assert.Equal(t, "bad", body.Get("data_schema.0.default").String())

	w = do(t, s, http.MethodPost, "/v0/flows/"+flowID, map[string]string{"access_token": "good"})
	require.Equal(t, http.StatusOK, w.Code)
	body = gjson.Parse(w.Body.String())
	assert.Equal(t, "create_entry", body.Get("type").String())
	assert.Equal(t, "42", body.Get("title").String())
	assert.Equal(t, "42", body.Get("data.user_id").String())
	assert.Equal(t, "**REDACTED**", body.Get("data.token").String())
	assert.Equal(t, "42", body.Get("result.unique_id").String())

	entries := reg.List("onlycat")
	require.Len(t, entries, 1)
	assert.Equal(t, "good", entries[0].Data["token"])

	w = do(t, s, http.MethodGet, "/v0/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(1), body.Get("entries.#").Int())
	assert.Equal(t, "**REDACTED**", body.Get("entries.0.data.token").String())

	w = do(t, s, http.MethodPost, "/v0/flows/"+flowID, map[string]string{"access_token": "good"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecondFlowForSameAccountAborts(t *testing.T) {
	s, _ := newTestServer(t)
	for i, want := range []string{"create_entry", "abort"} {
		w := do(t, s, http.MethodPost, "/v0/flows", map[string]string{"handler": "onlycat"})
		require.Equal(t, http.StatusOK, w.Code)
		flowID := gjson.Get(w.Body.String(), "flow_id").String()

		w = do(t, s, http.MethodPost, "/v0/flows/"+flowID, map[string]string{"access_token": "good"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, want, gjson.Get(w.Body.String(), "type").String(), "attempt %d", i)
		if want == "abort" {
			assert.Equal(t, "already_configured", gjson.Get(w.Body.String(), "reason").String())
		}
	}
}

func TestFlowAndEntryErrors(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v0/flows", map[string]string{"handler": "hue"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v0/flows", map[string]string{}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/v0/flows/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/v0/entries/missing", nil).Code)
}

func TestConfigureFlowRejectsMissingToken(t *testing.T) {
	cfg := &config.Config{RemoteManagement: config.RemoteManagement{SecretKey: testKey}}
	cfg.ApplyDefaults()
	reg := entry.NewRegistry(entry.NewFileStore(t.TempDir()))
	require.NoError(t, reg.Load(context.Background()))
	clients := 0
	flows := flow.NewManager(reg, nil)
	flows.Register(setup.Domain, setup.Version, func() flow.Handler {
		return &setup.CredentialSetupStep{NewClient: func(token string) (setup.RemoteClient, error) {
			clients++
			return &stubClient{token: token}, nil
		}}
	})
	s := NewServer(cfg, flows, reg)

	w := do(t, s, http.MethodPost, "/v0/flows", map[string]string{"handler": "onlycat"})
	flowID := gjson.Get(w.Body.String(), "flow_id").String()
	require.NotEmpty(t, flowID)

	for _, body := range []any{nil, map[string]string{}, map[string]string{"access_token": " "}} {
		w = do(t, s, http.MethodPost, "/v0/flows/"+flowID, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		assert.Contains(t, gjson.Get(w.Body.String(), "error").String(), "access_token")
	}
	assert.Zero(t, clients)

	w = do(t, s, http.MethodPost, "/v0/flows/"+flowID, map[string]string{"access_token": "good"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "create_entry", gjson.Get(w.Body.String(), "type").String())
	assert.Equal(t, 1, clients)
}

func TestListAndAbortFlows(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v0/flows", map[string]string{"handler": "onlycat"})
	flowID := gjson.Get(w.Body.String(), "flow_id").String()

	w = do(t, s, http.MethodGet, "/v0/flows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, flowID, gjson.Get(w.Body.String(), "flows.0.flow_id").String())

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/v0/flows/"+flowID, nil).Code)
	w = do(t, s, http.MethodGet, "/v0/flows", nil)
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "flows.#").Int())
}

func TestDeleteEntryOverHTTP(t *testing.T) {
	s, reg := newTestServer(t)
	e := entry.New("onlycat", "7", "7", 1, map[string]string{"user_id": "7", "token": "t"})
	require.NoError(t, reg.Add(context.Background(), e))

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/v0/entries/"+e.EntryID, nil).Code)
	assert.False(t, reg.IsConfigured("onlycat", "7"))
}

func TestManagementRequiresKey(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/entries", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
