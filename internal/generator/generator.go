// Package generator obtains a fresh credential from the external login API.
//
// The API is untrusted: whatever it returns still has to pass
// credential.Validate before anyone uses it.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/semmy-space/credkeep/internal/credential"
)

// DefaultTimeout bounds one generation call.
const DefaultTimeout = 30 * time.Second

const maxBodyBytes = 1 << 20

// ErrGenerationFailed wraps every way a generation call can fail.
var ErrGenerationFailed = errors.New("credential generation failed")

// HTTPGenerator calls GET <url>?user=&pass=&twofactor= and converts the
// returned session cookies into a Credential.
type HTTPGenerator struct {
	endpoint *url.URL
	client   *http.Client
	token    string
	timeout  time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an HTTPGenerator.
type Option func(*HTTPGenerator)

// WithToken authenticates requests with a static bearer token.
func WithToken(token string) Option {
	return func(g *HTTPGenerator) { g.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(g *HTTPGenerator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGenerator) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLimiter paces generation calls. nil disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *HTTPGenerator) { g.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(g *HTTPGenerator) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *HTTPGenerator) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns a generator for endpoint. At most one call per five seconds
// leaves the API by default.
func New(endpoint string, opts ...Option) (*HTTPGenerator, error) {
	if endpoint == "" {
		return nil, errors.New("generator_url is not set")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid generator_url %q", endpoint)
	}

	g := &HTTPGenerator{
		endpoint: u,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		limiter:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.token != "" {
		base := g.client
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		g.client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: g.token,
			TokenType:   "Bearer",
		}))
	}

	return g, nil
}

type sessionCookie struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

type loginResponse struct {
	Status bool `json:"status"`
	Data   *struct {
		SessionCookies []sessionCookie `json:"session_cookies"`
	} `json:"data"`
	Message string `json:"message"`
}

// Generate logs accountID in with secret. A nil or empty result is an error.
func (g *HTTPGenerator) Generate(ctx context.Context, accountID string, secret credential.Secret) (credential.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
	}

	u := *g.endpoint
	q := u.Query()
	q.Set("user", accountID)
	q.Set("pass", secret.Password)
	q.Set("twofactor", secret.OTPKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrGenerationFailed, redact(err))
	}
	req.Header.Set("Accept", "application/json")

	g.logger.InfoContext(ctx, "requesting new credential", "account", accountID, "host", g.endpoint.Host)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGenerationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrGenerationFailed, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrGenerationFailed, err)
	}
	if !lr.Status || lr.Data == nil || len(lr.Data.SessionCookies) == 0 {
		msg := lr.Message
		if msg == "" {
			msg = "no session cookies returned"
		}
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, msg)
	}

	now := g.now().UTC().Truncate(time.Second)
	c := make(credential.Credential, 0, len(lr.Data.SessionCookies))
	for _, sc := range lr.Data.SessionCookies {
		c = append(c, credential.Item{
			Key:            sc.Key,
			Value:          sc.Value,
			Domain:         sc.Domain,
			Path:           sc.Path,
			CreatedAt:      now,
			LastAccessedAt: now,
		})
	}

	return c, nil
}

// redact drops the request URL from transport errors; it carries the password.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
