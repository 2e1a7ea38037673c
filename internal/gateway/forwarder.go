package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/augustcredits/gateway/internal/httputil"
	"github.com/augustcredits/gateway/internal/metrics"
	"github.com/augustcredits/gateway/internal/store"
)

// ProvenanceHeader marks forwarded requests so upstreams can tell
// gateway traffic from direct traffic.
const (
	ProvenanceHeader = "X-Forwarded-By"
	ProvenanceValue  = "august-credits"
)

// hopByHopHeaders are connection-scoped and must not cross the proxy,
// in either direction. Host is included because the outbound request
// sets its own from the target URL.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

// ForwardRequest is one sanitized request bound for an upstream.
type ForwardRequest struct {
	Method string
	// Path is the remainder after the resource segment, no leading
	// slash. Empty targets the resource root.
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ForwardResult is the upstream's response, ready to relay.
type ForwardResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// ForwarderConfig tunes retry and size behavior. Timeout and
// RetryAttempts are the gateway-wide defaults; a resource may override
// both per call.
type ForwarderConfig struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// RetryAttempts is the total number of attempts. Values below 1
	// are treated as 1.
	RetryAttempts int
	// BaseRetryDelay seeds the exponential backoff between attempts.
	BaseRetryDelay time.Duration
	// MaxBodyBytes caps upstream response bodies.
	MaxBodyBytes int64
}

func (cfg ForwarderConfig) withDefaults() ForwarderConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 100 * time.Millisecond
	}
	return cfg
}

// Forwarder relays admitted requests to upstream targets. Transport
// failures are retried with exponential backoff; any HTTP response,
// including upstream errors, is relayed verbatim without retrying.
type Forwarder struct {
	client *http.Client
	cfg    atomic.Pointer[ForwarderConfig]
	logger *slog.Logger
}

// NewForwarder creates a forwarder. client may be nil, in which case a
// default client is used; per-attempt timeouts come from the config
// rather than the client.
func NewForwarder(client *http.Client, cfg ForwarderConfig, logger *slog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	f := &Forwarder{client: client, logger: logger}
	f.UpdateConfig(cfg)
	return f
}

// UpdateConfig swaps the forwarder defaults. In-flight requests keep
// the config they started with.
func (f *Forwarder) UpdateConfig(cfg ForwarderConfig) {
	normalized := cfg.withDefaults()
	f.cfg.Store(&normalized)
}

// Forward sends the request to the resource's upstream and returns the
// response. The resource's configured timeout and retry count, when
// set, take precedence over the forwarder defaults.
func (f *Forwarder) Forward(ctx context.Context, resource *store.Resource, req *ForwardRequest) (*ForwardResult, *Error) {
	cfg := *f.cfg.Load()
	if resource.RequestTimeout != nil && *resource.RequestTimeout > 0 {
		cfg.Timeout = time.Duration(*resource.RequestTimeout) * time.Second
	}
	if resource.RetryAttempts != nil && *resource.RetryAttempts > 0 {
		cfg.RetryAttempts = *resource.RetryAttempts
	}

	fullURL, err := buildTargetURL(resource.TargetURL, req.Path, req.RawQuery)
	if err != nil {
		return nil, ErrInternal(fmt.Errorf("build target url: %w", err))
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			backoff := cfg.BaseRetryDelay * (1 << (attempt - 2))
			metrics.UpstreamRetries.WithLabelValues(resource.Name).Inc()
			select {
			case <-ctx.Done():
				return nil, classifyTransportError(ctx.Err())
			case <-time.After(backoff):
			}
		}

		status, header, body, err := f.attempt(ctx, cfg, fullURL, req)
		if err != nil {
			lastErr = err
			f.logger.Warn("upstream attempt failed",
				slog.String("resource", resource.Name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		duration := time.Since(start)
		metrics.UpstreamLatency.WithLabelValues(resource.Name).Observe(duration.Seconds())

		stripHopByHop(header)
		return &ForwardResult{
			StatusCode: status,
			Header:     header,
			Body:       body,
			Duration:   duration,
			Attempts:   attempt,
		}, nil
	}

	return nil, classifyTransportError(lastErr)
}

func (f *Forwarder) attempt(ctx context.Context, cfg ForwarderConfig, fullURL string, req *ForwardRequest) (int, http.Header, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(attemptCtx, req.Method, fullURL, body)
	if err != nil {
		return 0, nil, nil, err
	}

	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	stripHopByHop(out.Header)
	out.Header.Del("Authorization")
	out.Header.Del("X-Api-Key")
	out.Header.Set(ProvenanceHeader, ProvenanceValue)

	resp, err := f.client.Do(out)
	if err != nil {
		return 0, nil, nil, err
	}
	defer httputil.DrainAndClose(resp)

	// The body must be consumed before the attempt context is
	// cancelled, so the read happens here rather than in the caller.
	buf, err := httputil.ReadLimitedBody(resp.Body, cfg.MaxBodyBytes)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header.Clone(), buf, nil
}

func buildTargetURL(target, path, rawQuery string) (string, error) {
	base := strings.TrimRight(target, "/")
	full := base
	if path != "" {
		full = base + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(full)
	if err != nil {
		return "", err
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

func stripHopByHop(h http.Header) {
	// Headers named by the Connection header are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func classifyTransportError(err error) *Error {
	if err == nil {
		return ErrUpstreamUnavailable(errors.New("no attempts made"))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return ErrUpstreamTimeout(err)
	}
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		return ErrUpstreamUnavailable(err)
	}
	return ErrUpstreamUnavailable(err)
}
