package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/tair/rxsync/pkg/logger"
	"github.com/tair/rxsync/pkg/redislock"
)

// tokenMargin is how long before expiry a cached token stops being used.
const tokenMargin = 60 * time.Second

// TokenCache shares access tokens between service instances.
type TokenCache interface {
	// Get returns nil without error on a miss.
	Get(ctx context.Context) (*oauth2.Token, error)
	Set(ctx context.Context, tok *oauth2.Token) error
	// Lock tries to become the single refresher. When acquired is false
	// another instance is refreshing.
	Lock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// tokenSource owns the cached credential. The mutex guards the cached value
// and the singleflight group collapses concurrent refreshes into one.
type tokenSource struct {
	creds   clientcredentials.Config
	http    *http.Client
	cache   TokenCache
	breaker *breaker
	now     func() time.Time
	timeout time.Duration

	lockWait time.Duration
	pollStep time.Duration

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

func (s *tokenSource) usable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return tok.Expiry.Sub(s.now()) > tokenMargin
}

func (s *tokenSource) cached() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usable(s.token) {
		return s.token
	}
	return nil
}

func (s *tokenSource) store(tok *oauth2.Token) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// Invalidate drops the cached token so the next call refreshes.
func (s *tokenSource) Invalidate() {
	s.store(nil)
}

// Token returns a usable access token, refreshing at most once across all
// concurrent callers. The refresh runs detached from the caller that
// started it, so one cancelled request does not fail the others; each
// caller still stops waiting when its own context ends.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if tok := s.cached(); tok != nil {
		return tok.AccessToken, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan("token", func() (interface{}, error) {
		return s.refresh(detached)
	})
	select {
	case <-ctx.Done():
		return "", &TransportError{Op: "token refresh", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			logger.Debug(ctx).Msg("Shared in-flight token refresh")
		}
		return res.Val.(*oauth2.Token).AccessToken, nil
	}
}

func (s *tokenSource) refresh(ctx context.Context) (*oauth2.Token, error) {
	if tok := s.cached(); tok != nil {
		return tok, nil
	}
	if tok := s.fromShared(ctx); tok != nil {
		s.store(tok)
		return tok, nil
	}

	if wait := s.breaker.allow(); wait > 0 {
		return nil, &AuthError{Backoff: true, RetryAfter: wait}
	}

	if s.cache != nil {
		unlock, acquired, err := s.cache.Lock(ctx)
		switch {
		case err != nil:
			logger.Warn(ctx).Err(err).Msg("Token lock unavailable, refreshing without it")
		case acquired:
			defer unlock()
		default:
			if tok := s.awaitShared(ctx); tok != nil {
				s.breaker.success()
				s.store(tok)
				return tok, nil
			}
		}
	}

	tok, err := s.fetch(ctx)
	if err != nil {
		s.breaker.failure()
		return nil, &AuthError{Err: err}
	}
	s.breaker.success()
	s.store(tok)

	if s.cache != nil {
		if err := s.cache.Set(ctx, tok); err != nil {
			logger.Warn(ctx).Err(err).Msg("Failed to share access token")
		}
	}
	logger.Info(ctx).
		Time("expires_at", tok.Expiry).
		Msg("Obtained authority access token")
	return tok, nil
}

func (s *tokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	tok, err := s.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials grant: %w", err)
	}
	if tok.Expiry.IsZero() {
		// the authority defaults to one hour when expires_in is omitted
		tok.Expiry = s.now().Add(time.Hour)
	}
	return tok, nil
}

func (s *tokenSource) fromShared(ctx context.Context) *oauth2.Token {
	if s.cache == nil {
		return nil
	}
	tok, err := s.cache.Get(ctx)
	if err != nil {
		logger.Warn(ctx).Err(err).Msg("Failed to read shared access token")
		return nil
	}
	if s.usable(tok) {
		return tok
	}
	return nil
}

// awaitShared polls the shared cache while another instance refreshes.
func (s *tokenSource) awaitShared(ctx context.Context) *oauth2.Token {
	deadline := time.NewTimer(s.lockWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.pollStep)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-tick.C:
			if tok := s.fromShared(ctx); tok != nil {
				return tok
			}
		}
	}
}

// RedisTokenCache stores the token under one key per client id and uses
// SET NX as the refresh lock.
type RedisTokenCache struct {
	client *redis.Client
	key    string
	lock   *redislock.Lock
	now    func() time.Time
}

// NewRedisTokenCache creates a shared token cache for clientID.
func NewRedisTokenCache(client *redis.Client, clientID string) *RedisTokenCache {
	return &RedisTokenCache{
		client: client,
		key:    "rxsync:authority:token:" + clientID,
		lock:   redislock.New(client, "rxsync:authority:token-lock:"+clientID, 15*time.Second),
		now:    time.Now,
	}
}

func (c *RedisTokenCache) Get(ctx context.Context) (*oauth2.Token, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode cached token: %w", err)
	}
	return &tok, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, tok *oauth2.Token) error {
	ttl := tok.Expiry.Sub(c.now()) - tokenMargin
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) Lock(ctx context.Context) (func(), bool, error) {
	unlock, ok, err := c.lock.TryLock(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire token lock: %w", err)
	}
	return unlock, ok, nil
}
