package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tair/rxsync/pkg/logger"
)

const (
	defaultTimeout     = 30 * time.Second
	maxResponseBytes   = 4 << 20
	authFailureLimit   = 3
	authBackoffTimeout = 30 * time.Second
)

// Config describes how to reach the authority.
type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	APIVersion    string
	Scopes        []string
	Timeout       time.Duration
	EncryptionKey string
}

// Option customises a Client.
type Option func(*options)

type options struct {
	httpClient  *http.Client
	cache       TokenCache
	now         func() time.Time
	maxFailures int
	backoff     time.Duration
	lockWait    time.Duration
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTokenCache shares tokens with other instances.
func WithTokenCache(cache TokenCache) Option {
	return func(o *options) { o.cache = cache }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAuthBackoff sets how many consecutive token failures open the breaker
// and for how long.
func WithAuthBackoff(maxFailures int, timeout time.Duration) Option {
	return func(o *options) {
		o.maxFailures = maxFailures
		o.backoff = timeout
	}
}

// WithLockWait bounds how long an instance waits for another instance's
// token refresh before fetching its own.
func WithLockWait(d time.Duration) Option {
	return func(o *options) { o.lockWait = d }
}

// Client talks to the prescription authority. Every call is a single
// attempt; retries belong to the reconciliation path.
type Client struct {
	baseURL    string
	apiVersion string
	clientID   string
	timeout    time.Duration
	http       *http.Client
	tokens     *tokenSource
	cipher     *FieldCipher
}

// NewClient creates an authority client owning its own credential cache.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("authority base URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("authority client id is required")
	}

	o := options{
		now:         time.Now,
		maxFailures: authFailureLimit,
		backoff:     authBackoffTimeout,
		lockWait:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v1"
	}

	if cfg.EncryptionKey == "" {
		logger.Logger.Warn().Msg("No field encryption key configured, using an ephemeral key")
	}
	cipher, err := NewFieldCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		baseURL:    base,
		apiVersion: version,
		clientID:   cfg.ClientID,
		timeout:    timeout,
		http:       o.httpClient,
		cipher:     cipher,
		tokens: &tokenSource{
			creds: clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     base + "/oauth/token",
				Scopes:       cfg.Scopes,
				AuthStyle:    oauth2.AuthStyleInParams,
			},
			http:     o.httpClient,
			cache:    o.cache,
			breaker:  newBreaker("authority-token", o.maxFailures, o.backoff, o.now),
			now:      o.now,
			timeout:  timeout,
			lockWait: o.lockWait,
			pollStep: 100 * time.Millisecond,
		},
	}, nil
}

// Authenticate returns a bearer token, refreshing it when it expires within
// the safety margin.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

// AuthState reports the token breaker state.
func (c *Client) AuthState() CircuitState {
	return c.tokens.breaker.State()
}

// Request performs one authenticated call against /api/{version}/{endpoint}.
// Sensitive payload fields are sealed and an encrypted_data response object
// is opened before decoding into out.
func (c *Client) Request(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}

	body, err := c.cipher.sealPayload(payload)
	if err != nil {
		return err
	}
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/%s/%s", c.baseURL, c.apiVersion, strings.TrimLeft(endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build authority request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Version", c.apiVersion)
	req.Header.Set("X-Client-ID", c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: "read " + endpoint, Err: err}
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       raw,
			Message:    errorMessage(raw, resp.Status),
		}
		logger.Error(ctx).
			Int("status", resp.StatusCode).
			Str("endpoint", endpoint).
			Str("message", apiErr.Message).
			Msg("Authority API error")
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	opened, failed, err := c.cipher.openResponse(raw)
	if err != nil {
		return err
	}
	for _, field := range failed {
		logger.Warn(ctx).Str("field", field).Msg("Failed to decrypt response field")
	}
	if err := json.Unmarshal(opened, out); err != nil {
		return fmt.Errorf("failed to decode authority response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fallback
}
