package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/augustcredits/gateway/internal/auth"
	"github.com/augustcredits/gateway/internal/metrics"
	"github.com/augustcredits/gateway/internal/observability"
	"github.com/augustcredits/gateway/internal/ratelimit"
	"github.com/augustcredits/gateway/internal/store"
)

// AuthorizedCall is the outcome of a successful admission check.
type AuthorizedCall struct {
	Caller    *auth.Caller
	Resource  *store.Resource
	RequestID string
	RateInfo  ratelimit.Result
}

// AdmissionController decides whether a proxied request may proceed.
// Checks run in a fixed order so rejections are deterministic:
// credential, resource existence, resource active, method, rate
// limit, then monthly quota. The rate limiter only records requests
// that survive every earlier check.
type AdmissionController struct {
	verifier  auth.CredentialVerifier
	directory store.ResourceDirectory
	ledger    store.Ledger
	limiter   ratelimit.Limiter
	window    time.Duration
	failOpen  bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewAdmissionController wires an admission controller. window is the
// default sliding-window span, used when a resource does not configure
// its own. failOpen lets requests
// through when the limiter backend is down; storage failures always
// reject regardless.
func NewAdmissionController(
	verifier auth.CredentialVerifier,
	directory store.ResourceDirectory,
	ledger store.Ledger,
	limiter ratelimit.Limiter,
	window time.Duration,
	failOpen bool,
	logger *slog.Logger,
) *AdmissionController {
	if window <= 0 {
		window = time.Hour
	}
	return &AdmissionController{
		verifier:  verifier,
		directory: directory,
		ledger:    ledger,
		limiter:   limiter,
		window:    window,
		failOpen:  failOpen,
		logger:    logger,
		now:       time.Now,
	}
}

// Admit runs the admission checks for one request. Storage failures
// reject the request; billing cannot be enforced, so the gateway fails
// closed.
func (a *AdmissionController) Admit(ctx context.Context, credential, resourceName, method string) (*AuthorizedCall, *Error) {
	requestID := observability.RequestIDFromContext(ctx)

	caller, err := a.verifier.Resolve(ctx, credential)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInactiveCaller):
			metrics.AdmissionRejections.WithLabelValues("inactive_caller").Inc()
			return nil, ErrInactiveCaller()
		case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrExpiredCredential):
			metrics.AdmissionRejections.WithLabelValues("invalid_credential").Inc()
			return nil, ErrInvalidCredential()
		default:
			a.logger.Error("credential resolution failed",
				slog.String("request_id", requestID), slog.String("error", err.Error()))
			metrics.AdmissionRejections.WithLabelValues("storage_error").Inc()
			return nil, ErrInternal(err)
		}
	}

	resource, err := a.directory.GetResourceByName(ctx, resourceName)
	if err != nil {
		a.logger.Error("resource lookup failed",
			slog.String("request_id", requestID),
			slog.String("resource", resourceName),
			slog.String("error", err.Error()))
		metrics.AdmissionRejections.WithLabelValues("storage_error").Inc()
		return nil, ErrInternal(err)
	}
	if resource == nil {
		metrics.AdmissionRejections.WithLabelValues("resource_not_found").Inc()
		return nil, ErrResourceNotFound(resourceName)
	}
	if !resource.IsActive {
		metrics.AdmissionRejections.WithLabelValues("resource_inactive").Inc()
		return nil, ErrResourceInactive(resourceName)
	}
	if !resource.AllowsMethod(method) {
		metrics.AdmissionRejections.WithLabelValues("method_not_allowed").Inc()
		return nil, ErrMethodNotAllowed(method)
	}

	limit := auth.EffectiveRateLimit(caller, resource.RateLimit)
	window := a.effectiveWindow(resource)
	key := fmt.Sprintf("%s:%s", caller.ID, resource.ID)
	res, err := a.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		a.logger.Error("rate limiter backend failed",
			slog.String("request_id", requestID),
			slog.String("key", key),
			slog.String("error", err.Error()))
		metrics.RateLimiterBackendErrors.WithLabelValues("allow").Inc()
		if !a.failOpen {
			return nil, ErrInternal(err)
		}
		res = ratelimit.Result{Allowed: true, Limit: limit}
	}
	if !res.Allowed {
		metrics.AdmissionRejections.WithLabelValues("rate_limit").Inc()
		return nil, ErrRateLimited(res.Current, res.Limit, res.ResetAt, res.RetryAfter)
	}

	if caller.MonthlyLimit != nil {
		used, err := a.ledger.GetPeriodUsage(ctx, caller.ID, store.BillingPeriod(a.now()))
		if err != nil {
			a.logger.Error("monthly usage lookup failed",
				slog.String("request_id", requestID),
				slog.String("caller_id", caller.ID.String()),
				slog.String("error", err.Error()))
			metrics.AdmissionRejections.WithLabelValues("storage_error").Inc()
			return nil, ErrInternal(err)
		}
		if used >= *caller.MonthlyLimit {
			metrics.AdmissionRejections.WithLabelValues("monthly_limit").Inc()
			return nil, ErrMonthlyLimitExceeded(int(used), int(*caller.MonthlyLimit))
		}
	}

	return &AuthorizedCall{
		Caller:    caller,
		Resource:  resource,
		RequestID: requestID,
		RateInfo:  res,
	}, nil
}

// Limits reports the caller's current window state for a resource
// without consuming a request.
func (a *AdmissionController) Limits(ctx context.Context, caller *auth.Caller, resourceName string) (*store.Resource, ratelimit.Result, *Error) {
	resource, err := a.directory.GetResourceByName(ctx, resourceName)
	if err != nil {
		return nil, ratelimit.Result{}, ErrInternal(err)
	}
	if resource == nil {
		return nil, ratelimit.Result{}, ErrResourceNotFound(resourceName)
	}

	limit := auth.EffectiveRateLimit(caller, resource.RateLimit)
	key := fmt.Sprintf("%s:%s", caller.ID, resource.ID)
	res, err := a.limiter.Inspect(ctx, key, limit, a.effectiveWindow(resource))
	if err != nil {
		metrics.RateLimiterBackendErrors.WithLabelValues("inspect").Inc()
		return nil, ratelimit.Result{}, ErrInternal(err)
	}
	return resource, res, nil
}

// effectiveWindow returns the resource-configured window span, falling
// back to the gateway default.
func (a *AdmissionController) effectiveWindow(resource *store.Resource) time.Duration {
	if resource.RateLimitWindow != nil && *resource.RateLimitWindow > 0 {
		return time.Duration(*resource.RateLimitWindow) * time.Second
	}
	return a.window
}
