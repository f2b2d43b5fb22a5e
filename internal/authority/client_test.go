package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tair/rxsync/internal/ledger/domain"
)

const testKey = "field-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAuthority serves /oauth/token plus whatever API routes a test adds.
type fakeAuthority struct {
	*httptest.Server
	mux         *http.ServeMux
	tokenCalls  atomic.Int32
	tokenStatus atomic.Int32
	tokenDelay  time.Duration
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	f := &fakeAuthority{mux: http.NewServeMux()}
	f.tokenStatus.Store(http.StatusOK)
	f.mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		if r.FormValue("grant_type") != "client_credentials" || r.FormValue("client_id") != "pharmacy-client" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
			return
		}
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		status := int(f.tokenStatus.Load())
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	f.Server = httptest.NewServer(f.mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAuthority) handle(pattern string, h http.HandlerFunc) {
	f.mux.HandleFunc(pattern, h)
}

func newTestClient(t *testing.T, f *fakeAuthority, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:       f.URL,
		ClientID:      "pharmacy-client",
		ClientSecret:  "s3cret",
		APIVersion:    "v1",
		Scopes:        []string{"prescription:read", "transaction:write"},
		Timeout:       2 * time.Second,
		EncryptionKey: testKey,
	}, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientRequiresBaseURLAndClientID(t *testing.T) {
	_, err := NewClient(Config{ClientID: "x"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestAuthenticateCachesUntilMargin(t *testing.T) {
	f := newFakeAuthority(t)
	clock := newFakeClock()
	c := newTestClient(t, f, WithClock(clock.Now))
	ctx := context.Background()

	tok1, err := c.Authenticate(ctx)
	require.NoError(t, err)
	tok2, err := c.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	// inside the 60s safety margin the token is no longer used
	clock.Advance(3600*time.Second - 59*time.Second)
	tok3, err := c.Authenticate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok3)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFakeAuthority(t)
	f.tokenDelay = 50 * time.Millisecond
	c := newTestClient(t, f)

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Authenticate(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.tokenCalls.Load())
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	f := newFakeAuthority(t)
	f.tokenDelay = 200 * time.Millisecond
	c := newTestClient(t, f)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Authenticate(leaderCtx)
		leaderErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type outcome struct {
		tok string
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		tok, err := c.Authenticate(context.Background())
		follower <- outcome{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-follower
	require.NoError(t, got.err)
	assert.NotEmpty(t, got.tok)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	// the detached refresh populated the cache for later callers
	tok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got.tok, tok)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestRequestHeadersAndSensitiveFields(t *testing.T) {
	f := newFakeAuthority(t)
	cipher, err := NewFieldCipher(testKey)
	require.NoError(t, err)

	f.handle("/api/v1/prescriptions/validate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "v1", r.Header.Get("X-API-Version"))
		assert.Equal(t, "pharmacy-client", r.Header.Get("X-Client-ID"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "prescription_id")
		assert.Equal(t, "PH-1", body["pharmacy_id"])
		sealed, _ := body["encrypted_prescription_id"].(string)
		plain, err := cipher.Open(sealed)
		assert.NoError(t, err)
		assert.Equal(t, "RX-42", plain)

		patient, err := cipher.Seal("1029384756")
		assert.NoError(t, err)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"is_valid":       true,
			"status":         "active",
			"encrypted_data": map[string]string{"patient_id": patient, "broken": "AAAA"},
		})
	})

	c := newTestClient(t, f)
	resp, err := c.ValidatePrescription(context.Background(), "RX-42", "PH-1")
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "1029384756", resp.PatientID)
}

func TestReportSealsPatientPhone(t *testing.T) {
	f := newFakeAuthority(t)
	f.handle("/api/v1/transactions/report", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "patient_phone")
		assert.Contains(t, body, "encrypted_patient_phone")
		assert.Equal(t, "pos_sale", body["transaction_type"])
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "wasfaty_transaction_id": "WAS-9"})
	})

	c := newTestClient(t, f)
	ack, err := c.ReportPOSTransaction(context.Background(), POSTransactionReport{
		PharmacyID:      "PH-1",
		TransactionID:   "t-1",
		TransactionType: "pos_sale",
		Timestamp:       time.Now().UTC(),
		PatientPhone:    "+966500000000",
		Items:           []SaleLine{{DrugID: "D-1", QuantitySold: 2, UnitPrice: 12.5}},
	})
	require.NoError(t, err)
	assert.Equal(t, "WAS-9", ack.AuthorityTransactionID)
}

func TestSensitiveFieldsRejectNonString(t *testing.T) {
	type bad struct {
		PatientID int `json:"patient_id" authority:"sensitive"`
	}
	assert.Panics(t, func() { _ = SensitiveFields(reflect.TypeOf(bad{})) })
	assert.Equal(t, []string{"prescription_id"}, SensitiveFields(reflect.TypeOf(&ValidatePrescriptionRequest{})))
}

func TestErrorClassification(t *testing.T) {
	f := newFakeAuthority(t)
	f.handle("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "maintenance"})
	})
	f.handle("/api/v1/drugs/lookup/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "unknown drug"})
	})
	f.handle("/api/v1/system/status", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.HealthCheck(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "maintenance", apiErr.Message)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, domain.CategoryRemoteTransient, domain.CategoryOf(err))

	_, err = c.LookupDrug(ctx, "6281000000017")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unknown drug", apiErr.Message)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))

	short := newTestClient(t, f, WithHTTPClient(&http.Client{}))
	short.timeout = 100 * time.Millisecond
	_, err = short.GetSystemStatus(ctx)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, domain.CategoryRemoteTransient, domain.CategoryOf(err))
}

func TestUnauthorizedDropsCachedToken(t *testing.T) {
	f := newFakeAuthority(t)
	var calls atomic.Int32
	f.handle("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token revoked"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	c := newTestClient(t, f)
	_, err := c.HealthCheck(context.Background())
	assert.Equal(t, domain.CategoryRemoteAuth, domain.CategoryOf(err))
	assert.True(t, IsRetryable(err))

	health, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestAuthFailuresBackOff(t *testing.T) {
	f := newFakeAuthority(t)
	f.tokenStatus.Store(http.StatusUnauthorized)
	clock := newFakeClock()
	c := newTestClient(t, f, WithClock(clock.Now), WithAuthBackoff(3, 30*time.Second))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Authenticate(ctx)
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.False(t, authErr.Backoff)
	}
	assert.Equal(t, StateOpen, c.AuthState())

	_, err := c.Authenticate(ctx)
	assert.True(t, IsBackoff(err))
	assert.Equal(t, domain.CategoryRemoteAuth, domain.CategoryOf(err))
	assert.Equal(t, int32(3), f.tokenCalls.Load(), "open breaker must not call out")

	clock.Advance(31 * time.Second)
	f.tokenStatus.Store(http.StatusOK)
	_, err = c.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.AuthState())
}

func TestRedisTokenCacheSharesAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFakeAuthority(t)
	first := newTestClient(t, f, WithTokenCache(NewRedisTokenCache(rdb, "pharmacy-client")))
	second := newTestClient(t, f, WithTokenCache(NewRedisTokenCache(rdb, "pharmacy-client")))

	tok1, err := first.Authenticate(context.Background())
	require.NoError(t, err)
	tok2, err := second.Authenticate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.False(t, mr.Exists("rxsync:authority:token-lock:pharmacy-client"), "lock must be released")

	ttl := mr.TTL("rxsync:authority:token:pharmacy-client")
	assert.InDelta(t, (3600 - 60), ttl.Seconds(), 5)
}

func TestRedisLockWaitsForOtherRefresher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := NewRedisTokenCache(rdb, "pharmacy-client")
	_, acquired, err := cache.Lock(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	f := newFakeAuthority(t)
	c := newTestClient(t, f, WithTokenCache(cache), WithLockWait(2*time.Second))
	c.tokens.pollStep = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = cache.Set(context.Background(), &oauth2.Token{
			AccessToken: "from-peer",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		})
	}()

	tok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-peer", tok)
	assert.Zero(t, f.tokenCalls.Load())
}

func TestFieldCipherRoundTrip(t *testing.T) {
	c, err := NewFieldCipher(testKey)
	require.NoError(t, err)
	other, err := NewFieldCipher("another")
	require.NoError(t, err)

	sealed, err := c.Seal("0551234567")
	require.NoError(t, err)
	again, err := c.Seal("0551234567")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "0551234567", plain)

	_, err = other.Open(sealed)
	assert.Error(t, err)
	_, err = c.Open("AAAA")
	assert.Error(t, err)
}
