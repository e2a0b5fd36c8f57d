// Package probe checks whether a credential still authenticates by making
// one cheap call with it.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/semmy-space/credkeep/internal/credential"
)

const (
	DefaultURL       = "https://graph.facebook.com/me?fields=name,id"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.1 Mobile/15E148 Safari/604.1"

	maxBodyBytes = 1 << 20
)

// Probe outcome reasons. Anything but ReasonHealthy means the credential
// should be replaced.
const (
	ReasonHealthy          = "healthy"
	ReasonInvalidResponse  = "invalid_response"
	ReasonExpiredOrBlocked = "expired_or_blocked"
	ReasonBadRequest       = "bad_request"
	ReasonNetworkError     = "network_error"
	ReasonUnexpectedStatus = "unexpected_status"
)

// Identity is who the endpoint says the credential belongs to.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Result of one probe. StatusCode is 0 when no response arrived.
type Result struct {
	Healthy    bool      `json:"healthy"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"status_code,omitempty"`
	Identity   *Identity `json:"identity,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// HTTPProber sends the credential as a Cookie header to an identity endpoint.
type HTTPProber struct {
	client    *http.Client
	url       string
	userAgent string
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Option configures an HTTPProber.
type Option func(*HTTPProber)

func WithURL(u string) Option {
	return func(p *HTTPProber) {
		if u != "" {
			p.url = u
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(p *HTTPProber) {
		if ua != "" {
			p.userAgent = ua
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProber) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLimiter paces outgoing probes. nil disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *HTTPProber) { p.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *HTTPProber) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a prober for DefaultURL allowing one probe per second.
func New(opts ...Option) *HTTPProber {
	p := &HTTPProber{
		client:    &http.Client{},
		url:       DefaultURL,
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe makes one call with c. It never retries; the timeout covers pacing,
// the request and reading the body.
func (p *HTTPProber) Probe(ctx context.Context, c credential.Credential) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return p.networkError(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return p.networkError(err)
	}
	req.Header.Set("Cookie", c.Header())
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return p.networkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return p.networkError(err)
	}

	res := classify(resp.StatusCode, body)
	if res.Healthy {
		p.logger.DebugContext(ctx, "credential probe healthy", "user", res.Identity.Name)
	} else {
		p.logger.WarnContext(ctx, "credential probe failed", "reason", res.Reason, "status", res.StatusCode)
	}
	return res
}

func (p *HTTPProber) networkError(err error) Result {
	p.logger.Warn("credential probe failed", "reason", ReasonNetworkError, "error", err)
	return Result{Reason: ReasonNetworkError, Detail: err.Error()}
}

// classify maps a response onto a Result.
func classify(status int, body []byte) Result {
	switch {
	case status >= 200 && status < 300:
		var id Identity
		if err := json.Unmarshal(body, &id); err != nil || id.ID == "" || id.Name == "" {
			return Result{Reason: ReasonInvalidResponse, StatusCode: status, Detail: snippet(body)}
		}
		return Result{Healthy: true, Reason: ReasonHealthy, StatusCode: status, Identity: &id}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Result{Reason: ReasonExpiredOrBlocked, StatusCode: status}
	case status == http.StatusBadRequest:
		return Result{Reason: ReasonBadRequest, StatusCode: status, Detail: snippet(body)}
	default:
		return Result{Reason: ReasonUnexpectedStatus, StatusCode: status, Detail: fmt.Sprintf("HTTP %d", status)}
	}
}

func snippet(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
