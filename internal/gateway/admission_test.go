package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/augustcredits/gateway/internal/auth"
	"github.com/augustcredits/gateway/internal/ratelimit"
	"github.com/augustcredits/gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type admissionFixture struct {
	store      *store.MemoryStore
	controller *AdmissionController
	key        string
	caller     *auth.Caller
	resource   *store.Resource
}

func newAdmissionFixture(t *testing.T, mutate func(c *auth.Caller, r *store.Resource)) *admissionFixture {
	t.Helper()

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
		TargetURL: "http://upstream.internal",
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
	controller := NewAdmissionController(verifier, st, st, limiter, time.Hour, false, testLogger())

	return &admissionFixture{
		store:      st,
		controller: controller,
		key:        key,
		caller:     caller,
		resource:   resource,
	}
}

func TestAdmitHappyPath(t *testing.T) {
	f := newAdmissionFixture(t, nil)

	call, gerr := f.controller.Admit(context.Background(), f.key, "weather", http.MethodGet)
	require.Nil(t, gerr)
	assert.Equal(t, f.caller.ID, call.Caller.ID)
	assert.Equal(t, f.resource.ID, call.Resource.ID)
	assert.True(t, call.RateInfo.Allowed)
}

func TestAdmitRejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(c *auth.Caller, r *store.Resource)
		credential func(f *admissionFixture) string
		resource   string
		method     string
		wantStatus int
	}{
		{
			name:       "unknown credential",
			credential: func(*admissionFixture) string { return "ac_bogus" },
			resource:   "weather",
			method:     http.MethodGet,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "inactive caller",
			mutate:     func(c *auth.Caller, _ *store.Resource) { c.IsActive = false },
			resource:   "weather",
			method:     http.MethodGet,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown resource",
			resource:   "no-such-resource",
			method:     http.MethodGet,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "inactive resource",
			mutate:     func(_ *auth.Caller, r *store.Resource) { r.IsActive = false },
			resource:   "weather",
			method:     http.MethodGet,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "method not allowed",
			mutate:     func(_ *auth.Caller, r *store.Resource) { r.Methods = []string{"GET"} },
			resource:   "weather",
			method:     http.MethodDelete,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdmissionFixture(t, tt.mutate)
			credential := f.key
			if tt.credential != nil {
				credential = tt.credential(f)
			}

			call, gerr := f.controller.Admit(context.Background(), credential, tt.resource, tt.method)
			require.NotNil(t, gerr)
			assert.Nil(t, call)
			assert.Equal(t, tt.wantStatus, gerr.StatusCode)
		})
	}
}

func TestAdmitResourceRateLimitApplies(t *testing.T) {
	f := newAdmissionFixture(t, func(_ *auth.Caller, r *store.Resource) {
		limit := 5
		r.RateLimit = &limit
	})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		call, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
		require.Nil(t, gerr, "request %d should be admitted", i)
		assert.Equal(t, 5-i, call.RateInfo.Remaining)
	}

	call, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Nil(t, call)
	assert.Equal(t, http.StatusTooManyRequests, gerr.StatusCode)
	assert.Equal(t, 5, gerr.Current)
	assert.Equal(t, 5, gerr.Limit)
	assert.Greater(t, gerr.RetryAfter, time.Duration(0))
}

func TestAdmitOverrideBeatsResourceLimit(t *testing.T) {
	f := newAdmissionFixture(t, func(c *auth.Caller, r *store.Resource) {
		override := 3
		resourceLimit := 1
		c.RateLimitOverride = &override
		r.RateLimit = &resourceLimit
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
		require.Nil(t, gerr)
	}
	_, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Equal(t, 3, gerr.Limit)
}

func TestAdmitMonthlyLimit(t *testing.T) {
	f := newAdmissionFixture(t, func(c *auth.Caller, _ *store.Resource) {
		limit := int64(10)
		c.MonthlyLimit = &limit
	})
	ctx := context.Background()

	period := store.BillingPeriod(time.Now())
	require.NoError(t, f.store.UpsertUsage(ctx, f.caller.ID, f.resource.ID, period, 10, "100"))

	call, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Nil(t, call)
	assert.Equal(t, http.StatusTooManyRequests, gerr.StatusCode)
	assert.Equal(t, 10, gerr.Current)
}

func TestAdmitRateLimitCheckedBeforeMonthly(t *testing.T) {
	// A caller over both limits sees the rate limit rejection, with its
	// reset info, not the monthly one.
	f := newAdmissionFixture(t, func(c *auth.Caller, r *store.Resource) {
		monthly := int64(10)
		rate := 1
		c.MonthlyLimit = &monthly
		r.RateLimit = &rate
	})
	ctx := context.Background()

	period := store.BillingPeriod(time.Now())
	require.NoError(t, f.store.UpsertUsage(ctx, f.caller.ID, f.resource.ID, period, 10, "100"))

	// The first call passes the limiter, consuming the window's only
	// slot, then fails the monthly check.
	_, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Zero(t, gerr.RetryAfter)

	_, gerr = f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Equal(t, http.StatusTooManyRequests, gerr.StatusCode)
	assert.Equal(t, 1, gerr.Limit)
	assert.Greater(t, gerr.RetryAfter, time.Duration(0), "rate limit rejections carry reset info")
}

func TestAdmitResourceWindowApplies(t *testing.T) {
	f := newAdmissionFixture(t, func(_ *auth.Caller, r *store.Resource) {
		limit := 2
		window := 1
		r.RateLimit = &limit
		r.RateLimitWindow = &window
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
		require.Nil(t, gerr)
	}

	_, gerr := f.controller.Admit(ctx, f.key, "weather", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Equal(t, http.StatusTooManyRequests, gerr.StatusCode)
	// The one-second resource window governs the reset, not the
	// hour-long controller default.
	assert.LessOrEqual(t, gerr.RetryAfter, 2*time.Second)
}

func TestAdmitChecksRunInOrder(t *testing.T) {
	// An inactive caller with an unknown resource reports the
	// credential problem, not the resource problem.
	f := newAdmissionFixture(t, func(c *auth.Caller, _ *store.Resource) { c.IsActive = false })

	_, gerr := f.controller.Admit(context.Background(), f.key, "no-such-resource", http.MethodGet)
	require.NotNil(t, gerr)
	assert.Equal(t, http.StatusUnauthorized, gerr.StatusCode)
}
