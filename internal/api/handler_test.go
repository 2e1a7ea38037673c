package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/augustcredits/gateway/internal/auth"
	"github.com/augustcredits/gateway/internal/gateway"
	"github.com/augustcredits/gateway/internal/ratelimit"
	"github.com/augustcredits/gateway/internal/store"
)

type apiFixture struct {
	store    *store.MemoryStore
	recorder *gateway.UsageRecorder
	handler  http.Handler
	key      string
	caller   *auth.Caller
	resource *store.Resource
}

func newAPIFixture(t *testing.T, upstreamURL string, mutate func(c *auth.Caller, r *store.Resource)) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	caller := &auth.Caller{
		ID:       uuid.New(),
		KeyHash:  hash,
		Tier:     auth.TierFree,
		IsActive: true,
	}
	resource := &store.Resource{
		ID:        uuid.New(),
		Name:      "weather",
		TargetURL: upstreamURL,
		Price:     "10",
		IsActive:  true,
	}
	if mutate != nil {
		mutate(caller, resource)
	}

	st := store.NewMemoryStore()
	st.AddCaller(caller)
	st.AddResource(resource)

	verifier := auth.NewVerifier(st, nil)
	limiter := ratelimit.NewSlidingWindow(0)
	admission := gateway.NewAdmissionController(verifier, st, st, limiter, time.Hour, false, logger)
	forwarder := gateway.NewForwarder(nil, gateway.ForwarderConfig{Timeout: 5 * time.Second}, logger)
	recorder := gateway.NewUsageRecorder(st, time.Second, logger)
	t.Cleanup(recorder.Close)

	server := NewServer(admission, forwarder, recorder, verifier, st, nil, nil, 0, logger)
	return &apiFixture{
		store:    st,
		recorder: recorder,
		handler:  server.Router(RouterConfig{}),
		key:      key,
		caller:   caller,
		resource: resource,
	}
}

func (f *apiFixture) do(method, path string, withKey bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if withKey {
		req.Header.Set("Authorization", "Bearer "+f.key)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestProxySuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/today", r.URL.Path)
		assert.Equal(t, "august-credits", r.Header.Get("X-Forwarded-By"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp":21}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.URL, nil)
	rr := f.do(http.MethodGet, "/proxy/weather/v1/today", true)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"temp":21}`, rr.Body.String())
	assert.Equal(t, "10", rr.Header().Get(HeaderCost))
	assert.Equal(t, f.caller.ID.String(), rr.Header().Get(HeaderCallerID))
	assert.NotEmpty(t, rr.Header().Get(HeaderResponseTime))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	// Usage lands asynchronously.
	f.recorder.Close()
	logs := f.store.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "10", logs[0].Cost)
}

func TestProxyQueryAddressedResource(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "city=oslo", r.URL.RawQuery, "the resource parameter is not relayed")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.URL, nil)
	rr := f.do(http.MethodGet, "/proxy?resource=weather&city=oslo", true)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProxyMissingCredential(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", nil)
	rr := f.do(http.MethodGet, "/proxy/weather", false)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestProxyUnknownResource(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", nil)
	rr := f.do(http.MethodGet, "/proxy/no-such-api", true)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, http.StatusNotFound, decodeError(t, rr).Code)
}

func TestProxyMissingResourceName(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", nil)
	rr := f.do(http.MethodGet, "/proxy", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProxyRateLimitResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.URL, func(_ *auth.Caller, r *store.Resource) {
		limit := 2
		r.RateLimit = &limit
	})

	for i := 0; i < 2; i++ {
		rr := f.do(http.MethodGet, "/proxy/weather", true)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := f.do(http.MethodGet, "/proxy/weather", true)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	resp := decodeError(t, rr)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused from here on

	f := newAPIFixture(t, upstream.URL, nil)
	rr := f.do(http.MethodGet, "/proxy/weather", true)

	assert.Equal(t, http.StatusBadGateway, rr.Code)

	// The failed request is logged but not charged.
	f.recorder.Close()
	logs := f.store.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "0", logs[0].Cost)
}

func TestProxyRelaysUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.URL, nil)
	rr := f.do(http.MethodGet, "/proxy/weather", true)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "short and stout", rr.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", nil)
	rr := f.do(http.MethodGet, "/health", false)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLimitsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.URL, func(_ *auth.Caller, r *store.Resource) {
		limit := 5
		r.RateLimit = &limit
	})

	// Consume one slot, then inspect.
	rr := f.do(http.MethodGet, "/proxy/weather", true)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodGet, "/limits/weather", true)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Resource  string `json:"resource"`
		Limit     int    `json:"limit"`
		Current   int    `json:"current"`
		Remaining int    `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "weather", body.Resource)
	assert.Equal(t, 5, body.Limit)
	assert.Equal(t, 1, body.Current)
	assert.Equal(t, 4, body.Remaining)

	rr = f.do(http.MethodGet, "/limits/weather", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUsageEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.URL, nil)
	for i := 0; i < 3; i++ {
		rr := f.do(http.MethodGet, "/proxy/weather", true)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	f.recorder.Close()

	rr := f.do(http.MethodGet, "/usage", true)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Period       string `json:"period"`
		RequestCount int64  `json:"request_count"`
		TotalCost    string `json:"total_cost"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, store.BillingPeriod(time.Now()), body.Period)
	assert.Equal(t, int64(3), body.RequestCount)
	assert.Equal(t, "30", body.TotalCost)
}

func TestAdminSettleRequiresAdminTier(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", nil)
	rr := f.do(http.MethodPost, "/admin/settle", true)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminSettleWithoutEngine(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", func(c *auth.Caller, _ *store.Resource) {
		c.Tier = auth.TierAdmin
	})
	rr := f.do(http.MethodPost, "/admin/settle", true)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestErrorBodyShape(t *testing.T) {
	f := newAPIFixture(t, "http://unused.internal", nil)
	rr := f.do(http.MethodGet, "/proxy/weather", false)

	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Contains(t, raw, "error")
	assert.Contains(t, raw, "code")
	assert.Len(t, raw, 2)
}
