// Package api exposes the gateway over HTTP.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/augustcredits/gateway/internal/auth"
	"github.com/augustcredits/gateway/internal/gateway"
	"github.com/augustcredits/gateway/internal/httputil"
	"github.com/augustcredits/gateway/internal/metrics"
	"github.com/augustcredits/gateway/internal/observability"
	"github.com/augustcredits/gateway/internal/settlement"
	"github.com/augustcredits/gateway/internal/store"
)

// Response headers added to successful proxied responses.
const (
	HeaderCost         = "X-Gateway-Cost"
	HeaderResponseTime = "X-Gateway-Response-Time"
	HeaderCallerID     = "X-Gateway-Caller-Id"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	admission *gateway.AdmissionController
	forwarder *gateway.Forwarder
	recorder  *gateway.UsageRecorder
	verifier  auth.CredentialVerifier
	ledger    store.Ledger
	engine    *settlement.Engine

	maxBodyBytes int64
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time
}

// NewServer wires the HTTP layer. engine may be nil when settlement
// runs in a separate worker; tracer may be nil, in which case spans
// are no-ops unless a global provider is installed.
func NewServer(
	admission *gateway.AdmissionController,
	forwarder *gateway.Forwarder,
	recorder *gateway.UsageRecorder,
	verifier auth.CredentialVerifier,
	ledger store.Ledger,
	engine *settlement.Engine,
	tracer trace.Tracer,
	maxBodyBytes int64,
	logger *slog.Logger,
) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = httputil.DefaultMaxBodyBytes
	}
	if tracer == nil {
		tracer = otel.Tracer(observability.TracerName)
	}
	return &Server{
		admission:    admission,
		forwarder:    forwarder,
		recorder:     recorder,
		verifier:     verifier,
		ledger:       ledger,
		engine:       engine,
		maxBodyBytes: maxBodyBytes,
		tracer:       tracer,
		logger:       logger,
		now:          time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *gateway.Error) {
	if err.StatusCode == http.StatusTooManyRequests && err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	}
	writeJSON(w, err.StatusCode, errorResponse{Error: err.Message, Code: err.StatusCode})
}

// handleProxy admits, forwards, and meters one request.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	resourceName := r.PathValue("resource")
	if resourceName == "" {
		resourceName = r.URL.Query().Get("resource")
	}
	if resourceName == "" {
		writeError(w, &gateway.Error{StatusCode: http.StatusBadRequest, Message: "missing resource name"})
		return
	}

	ctx, span := observability.StartProxySpan(r.Context(), s.tracer, resourceName, r.Method)
	defer span.End()
	r = r.WithContext(ctx)

	credential := auth.ExtractCredential(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
	if credential == "" {
		observability.RecordSpanError(span, gateway.ErrInvalidCredential())
		writeError(w, gateway.ErrInvalidCredential())
		return
	}

	body, err := httputil.ReadLimitedBody(r.Body, s.maxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			writeError(w, &gateway.Error{StatusCode: http.StatusRequestEntityTooLarge, Message: "request body too large"})
			return
		}
		writeError(w, gateway.ErrInternal(err))
		return
	}

	call, gerr := s.admission.Admit(r.Context(), credential, resourceName, r.Method)
	if gerr != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(resourceName, r.Method, strconv.Itoa(gerr.StatusCode)).Inc()
		observability.RecordSpanError(span, gerr)
		observability.RecordProxyResult(span, gerr.StatusCode, 0, "")
		writeError(w, gerr)
		return
	}

	start := s.now()
	result, gerr := s.forwarder.Forward(r.Context(), call.Resource, &gateway.ForwardRequest{
		Method:   r.Method,
		Path:     r.PathValue("rest"),
		RawQuery: forwardQuery(r),
		Header:   r.Header,
		Body:     body,
	})
	if gerr != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(resourceName, r.Method, strconv.Itoa(gerr.StatusCode)).Inc()
		observability.RecordSpanError(span, gerr)
		observability.RecordProxyResult(span, gerr.StatusCode, 0, call.Caller.ID.String())
		s.recorder.Record(call, gateway.Outcome{
			StatusCode:   gerr.StatusCode,
			Duration:     s.now().Sub(start),
			Path:         r.URL.Path,
			Method:       r.Method,
			RequestBytes: int64(len(body)),
		})
		writeError(w, gerr)
		return
	}

	metrics.ProxyRequestsTotal.WithLabelValues(resourceName, r.Method, strconv.Itoa(result.StatusCode)).Inc()
	observability.RecordProxyResult(span, result.StatusCode, result.Attempts, call.Caller.ID.String())
	s.recorder.Record(call, gateway.Outcome{
		StatusCode:    result.StatusCode,
		Duration:      result.Duration,
		Path:          r.URL.Path,
		Method:        r.Method,
		RequestBytes:  int64(len(body)),
		ResponseBytes: int64(len(result.Body)),
		Forwarded:     true,
	})

	h := w.Header()
	for name, values := range result.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	h.Set(HeaderCost, call.Resource.Price)
	h.Set(HeaderResponseTime, fmt.Sprintf("%dms", result.Duration.Milliseconds()))
	h.Set(HeaderCallerID, call.Caller.ID.String())
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// forwardQuery drops the gateway's own resource parameter before the
// query string is relayed.
func forwardQuery(r *http.Request) string {
	if r.PathValue("resource") != "" {
		return r.URL.RawQuery
	}
	q := r.URL.Query()
	q.Del("resource")
	return q.Encode()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

// handleLimits reports the caller's current rate limit window for a
// resource without consuming a request.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	ac := auth.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, gateway.ErrInvalidCredential())
		return
	}

	resource, info, gerr := s.admission.Limits(r.Context(), ac.Caller, r.PathValue("resource"))
	if gerr != nil {
		writeError(w, gerr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource":  resource.Name,
		"limit":     info.Limit,
		"current":   info.Current,
		"remaining": info.Remaining,
		"reset_at":  info.ResetAt.UTC().Format(time.RFC3339),
	})
}

// handleUsage lists the caller's usage records for a billing period.
// The period defaults to the current month.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ac := auth.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, gateway.ErrInvalidCredential())
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = store.BillingPeriod(s.now())
	}

	records, err := s.ledger.GetCallerUsage(r.Context(), ac.Caller.ID, period)
	if err != nil {
		s.logger.Error("usage query failed",
			slog.String("caller_id", ac.Caller.ID.String()),
			slog.String("error", err.Error()))
		writeError(w, gateway.ErrInternal(err))
		return
	}

	total := "0"
	var count int64
	for _, rec := range records {
		count += rec.RequestCount
		if sum, err := store.AddCost(total, rec.TotalCost); err == nil {
			total = sum
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"period":        period,
		"request_count": count,
		"total_cost":    total,
		"records":       records,
	})
}

// handleAdminSettle triggers one settlement cycle. Admin tier only.
func (s *Server) handleAdminSettle(w http.ResponseWriter, r *http.Request) {
	ac := auth.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, gateway.ErrInvalidCredential())
		return
	}
	if !ac.Caller.IsAdmin() {
		writeError(w, &gateway.Error{StatusCode: http.StatusForbidden, Message: "admin tier required"})
		return
	}
	if s.engine == nil {
		writeError(w, &gateway.Error{StatusCode: http.StatusServiceUnavailable, Message: "settlement is not enabled on this instance"})
		return
	}

	summary, err := s.engine.RunCycle(r.Context())
	if err != nil {
		s.logger.Error("manual settlement cycle failed", slog.String("error", err.Error()))
		writeError(w, gateway.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// requireAuth resolves the request credential and stores the caller in
// the context for the account endpoints.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := auth.ExtractCredential(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
		if credential == "" {
			writeError(w, gateway.ErrInvalidCredential())
			return
		}

		caller, err := s.verifier.Resolve(r.Context(), credential)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInactiveCaller):
				writeError(w, gateway.ErrInactiveCaller())
			case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrExpiredCredential):
				writeError(w, gateway.ErrInvalidCredential())
			default:
				writeError(w, gateway.ErrInternal(err))
			}
			return
		}

		ctx := auth.ContextWithAuth(r.Context(), &auth.AuthContext{
			Caller:    caller,
			RequestID: observability.RequestIDFromContext(r.Context()),
		})
		next(w, r.WithContext(ctx))
	}
}
