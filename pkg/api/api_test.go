package api

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"verifier/pkg/accounts"
	"verifier/pkg/api/auth"
	adminRoutes "verifier/pkg/api/routes/admin"
	backendRoutes "verifier/pkg/api/routes/backend"
	"verifier/pkg/models"
	"verifier/pkg/policy"
	"verifier/pkg/store"
	"verifier/pkg/verifier"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *recordingAdapter) Deliver(_ context.Context, h *accounts.Handle, _ models.Decision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, h.MessageID())
	return nil
}

type stubRunner struct {
	res  verifier.RunResult
	err  error
	last *verifier.RunResult
	next time.Time
}

func (s *stubRunner) RunImmediate(context.Context) (verifier.RunResult, error) {
	return s.res, s.err
}

func (s *stubRunner) LastRun() (verifier.RunResult, bool) {
	if s.last == nil {
		return verifier.RunResult{}, false
	}
	return *s.last, true
}

func (s *stubRunner) NextRun() time.Time { return s.next }

func (s *stubRunner) Skipped() int { return 0 }

type testServer struct {
	client     *fasthttp.Client
	principals *store.Principals
	adapter    *recordingAdapter
	runner     *stubRunner
	ready      bool
}

func newTestServer(t *testing.T, sec auth.SecConfig) *testServer {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	db, err := store.Open("api-test", store.Options{InMemory: true, Now: now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	requests := store.NewRequests(db, now)
	principals := store.NewPrincipals(db, 1)
	adapter := &recordingAdapter{}
	reg, err := accounts.NewRegistry([]accounts.Account{{ID: "bot", Platform: "qq", SelfID: "100"}},
		accounts.Options{Fallback: adapter, Now: now})
	require.NoError(t, err)
	require.NoError(t, reg.SetLive("bot", true))

	rules := verifier.Rules{
		models.RequestContact:   policy.Fixed(true),
		models.RequestGroupJoin: policy.Message("hello"),
	}
	svc := verifier.NewService(verifier.ServiceConfig{
		Rules:    rules,
		Deferred: []models.RequestType{models.RequestGroupJoin},
		MaxAge:   24 * time.Hour,
		Now:      now,
	}, requests, reg, policy.NewEvaluator(principals))

	ts := &testServer{principals: principals, adapter: adapter, runner: &stubRunner{}, ready: true}
	deps := &Deps{
		Backend: backendRoutes.Handlers{Arrivals: svc, Accounts: reg},
		Admin:   adminRoutes.Handlers{Requests: requests, Principals: principals, Runner: ts.runner, Now: now},
		Ready:   func() bool { return ts.ready },
		Version: "test",
	}
	gw := auth.NewGateway(sec)
	t.Cleanup(gw.Close)

	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, Handler(deps, gw)) }()

	ts.client = &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return ts
}

func defaultSec() auth.SecConfig {
	return auth.SecConfig{
		RPS:         1000,
		Burst:       1000,
		BackendKeys: map[string]struct{}{"be": {}},
		AdminKeys:   map[string]struct{}{"ad": {}},
	}
}

func (ts *testServer) do(t *testing.T, method, path, key, body string) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://verifier.local" + path)
	req.Header.SetMethod(method)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, ts.client.DoTimeout(req, resp, 2*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, defaultSec())

	code, _ := ts.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, fasthttp.StatusOK, code)

	code, body := ts.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"version":"test"`)

	ts.ready = false
	code, _ = ts.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)
}

func TestGatewayRoles(t *testing.T) {
	ts := newTestServer(t, defaultSec())

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"no key", "GET", "/admin/requests", "", fasthttp.StatusUnauthorized},
		{"unknown key", "GET", "/admin/requests", "nope", fasthttp.StatusUnauthorized},
		{"backend on admin", "GET", "/admin/requests", "be", fasthttp.StatusForbidden},
		{"admin on v1", "PUT", "/v1/accounts/bot/status", "ad", fasthttp.StatusForbidden},
		{"admin on admin", "GET", "/admin/requests", "ad", fasthttp.StatusOK},
		{"wrong method", "GET", "/v1/requests", "be", fasthttp.StatusMethodNotAllowed},
		{"unknown route", "GET", "/v1/nothing", "be", fasthttp.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := ts.do(t, tt.method, tt.path, tt.key, "")
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestGatewayIPWhitelist(t *testing.T) {
	sec := defaultSec()
	sec.IPWhitelist = []string{"203.0.113.9"}
	ts := newTestServer(t, sec)

	code, _ := ts.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, fasthttp.StatusForbidden, code)
}

func TestGatewayRateLimit(t *testing.T) {
	sec := defaultSec()
	sec.RPS = 0.001
	sec.Burst = 1
	ts := newTestServer(t, sec)

	code, _ := ts.do(t, "GET", "/admin/requests", "ad", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	code, _ = ts.do(t, "GET", "/admin/requests", "ad", "")
	assert.Equal(t, fasthttp.StatusTooManyRequests, code)
}

func TestSubmitRequest(t *testing.T) {
	ts := newTestServer(t, defaultSec())

	t.Run("Deferred", func(t *testing.T) {
		code, body := ts.do(t, "POST", "/v1/requests", "be",
			`{"type":"group_join","account_id":"bot","requester_id":"u1","group_id":"g1","message_id":"m1"}`)
		require.Equal(t, fasthttp.StatusAccepted, code, string(body))
		assert.Contains(t, string(body), `"outcome":"deferred"`)
		assert.Contains(t, string(body), `"key":"group-join:m1"`)

		code, body = ts.do(t, "GET", "/admin/requests/group-join/m1", "ad", "")
		require.Equal(t, fasthttp.StatusOK, code)
		var rec models.Record
		require.NoError(t, json.Unmarshal(body, &rec))
		assert.Equal(t, models.StatusPending, rec.Status)
		assert.Equal(t, "u1", rec.Snapshot.RequesterID)

		code, body = ts.do(t, "GET", "/admin/requests/group-join:m1", "ad", "")
		require.Equal(t, fasthttp.StatusOK, code, string(body))
		assert.Contains(t, string(body), `"message_id":"m1"`)

		code, _ = ts.do(t, "GET", "/admin/requests/m1", "ad", "")
		assert.Equal(t, fasthttp.StatusBadRequest, code, "key without a type")

		code, body = ts.do(t, "GET", "/admin/requests?format=text", "ad", "")
		require.Equal(t, fasthttp.StatusOK, code)
		assert.Contains(t, string(body), "1 requests (1 pending)")
	})

	t.Run("Immediate", func(t *testing.T) {
		code, body := ts.do(t, "POST", "/v1/requests", "be",
			`{"type":"contact","account_id":"bot","requester_id":"u2","message_id":"m2"}`)
		require.Equal(t, fasthttp.StatusOK, code, string(body))
		assert.Contains(t, string(body), `"outcome":"answered"`)
		ts.adapter.mu.Lock()
		assert.Equal(t, []string{"m2"}, ts.adapter.sent)
		ts.adapter.mu.Unlock()

		code, _ = ts.do(t, "GET", "/admin/requests/contact/m2", "ad", "")
		assert.Equal(t, fasthttp.StatusNotFound, code, "immediate answers are not stored")
	})

	t.Run("Ignored", func(t *testing.T) {
		code, body := ts.do(t, "POST", "/v1/requests", "be",
			`{"type":"group-invite","account_id":"bot","message_id":"m3"}`)
		require.Equal(t, fasthttp.StatusOK, code)
		assert.Contains(t, string(body), `"outcome":"ignored"`)
	})

	t.Run("Rejected", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			want int
		}{
			{"empty body", "", fasthttp.StatusBadRequest},
			{"bad json", "{", fasthttp.StatusBadRequest},
			{"unknown field", `{"type":"contact","account_id":"bot","nope":1}`, fasthttp.StatusBadRequest},
			{"unknown type", `{"type":"friend","account_id":"bot","message_id":"x"}`, fasthttp.StatusBadRequest},
			{"no account", `{"type":"contact","message_id":"x"}`, fasthttp.StatusBadRequest},
			{"deferred without message id", `{"type":"group-join","account_id":"bot"}`, fasthttp.StatusBadRequest},
			{"unknown account", `{"type":"contact","account_id":"ghost","message_id":"x"}`, fasthttp.StatusNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				code, _ := ts.do(t, "POST", "/v1/requests", "be", tt.body)
				assert.Equal(t, tt.want, code)
			})
		}
	})
}

func TestSetAccountStatus(t *testing.T) {
	ts := newTestServer(t, defaultSec())

	code, _ := ts.do(t, "PUT", "/v1/accounts/bot/status", "be", `{"live":false}`)
	assert.Equal(t, fasthttp.StatusOK, code)

	code, _ = ts.do(t, "POST", "/v1/requests", "be", `{"type":"contact","account_id":"bot","message_id":"m1"}`)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)

	code, _ = ts.do(t, "PUT", "/v1/accounts/ghost/status", "be", `{"live":true}`)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = ts.do(t, "PUT", "/v1/accounts/bot/status", "be", `{}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestAdminPrincipals(t *testing.T) {
	ts := newTestServer(t, defaultSec())
	ctx := context.Background()

	code, _ := ts.do(t, "PUT", "/admin/users/u1", "ad", `{"platform":"qq","authority":5}`)
	require.Equal(t, fasthttp.StatusOK, code)
	level, err := ts.principals.Authority(ctx, "qq", "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, level)

	code, _ = ts.do(t, "PUT", "/admin/users/u1", "ad", `{"platform":"qq"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, _ = ts.do(t, "PUT", "/admin/channels/c1", "ad", `{"platform":"qq","assignee":"bot"}`)
	require.Equal(t, fasthttp.StatusOK, code)
	owner, err := ts.principals.Assignee(ctx, "qq", "c1")
	require.NoError(t, err)
	assert.Equal(t, "bot", owner)
}

func TestAdminRunBatch(t *testing.T) {
	ts := newTestServer(t, defaultSec())

	ts.runner.res = verifier.RunResult{RunID: "r1", Processed: 2}
	code, body := ts.do(t, "POST", "/admin/jobs/process", "ad", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"processed":2`)

	ts.runner.err = verifier.ErrRunInProgress
	code, _ = ts.do(t, "POST", "/admin/jobs/process", "ad", "")
	assert.Equal(t, fasthttp.StatusConflict, code)
}

func TestAdminJobStatus(t *testing.T) {
	ts := newTestServer(t, defaultSec())

	code, body := ts.do(t, "GET", "/admin/jobs/process", "ad", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"last_run":null`)

	ts.runner.last = &verifier.RunResult{RunID: "r7", Processed: 3, Incomplete: true}
	ts.runner.next = time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	code, body = ts.do(t, "GET", "/admin/jobs/process", "ad", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"run_id":"r7"`)
	assert.Contains(t, string(body), `"incomplete":true`)
	assert.Contains(t, string(body), `"next_run":"2024-05-01T15:00:00Z"`)

	code, _ = ts.do(t, "GET", "/admin/jobs/process", "be", "")
	assert.Equal(t, fasthttp.StatusForbidden, code)
}

func TestPrometheusEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultSec())
	code, body := ts.do(t, "GET", "/admin/debug/prometheus", "ad", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}
