package auth

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/models"
)

const (
	testClientID     = "claude"
	testClientSecret = "claude-secret-0123456789"
	otherClientID    = "cursor"
	otherSecret      = "cursor-secret-0123456789"
	testRedirect     = "https://client.example.com/callback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock for WithClock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

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

func testClients() ClientCredentials {
	return ClientCredentials{
		testClientID:  testClientSecret,
		otherClientID: otherSecret,
	}
}

func testBroker(t *testing.T, opts ...Option) (*Broker, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	b := NewBroker(store, testClients(), testLogger(), opts...)
	t.Cleanup(b.Stop)

	return b, store
}

func exchangeCode(b *Broker, clientID, secret, code string) (*TokenResponse, error) {
	return b.Exchange(ExchangeRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
	})
}

// --- IssueCode ---

func TestIssueCode_KnownClient(t *testing.T) {
	b, store := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)
	assert.Len(t, code, 64)
	assert.Equal(t, 1, store.Counts().Codes)
}

func TestIssueCode_UnknownClient(t *testing.T) {
	b, store := testBroker(t)

	_, err := b.IssueCode("nobody", testRedirect)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidClient)
	assert.Equal(t, 0, store.Counts().Codes)
}

func TestIssueCode_Unique(t *testing.T) {
	b, _ := testBroker(t)

	a, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)
	c, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

// --- Exchange: authorization_code ---

func TestExchange_SingleUseCode(t *testing.T) {
	b, _ := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	resp, err := exchangeCode(b, testClientID, testClientSecret, code)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 86400, resp.ExpiresIn)

	_, err = exchangeCode(b, testClientID, testClientSecret, code)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestExchange_ConcurrentSameCode(t *testing.T) {
	b, _ := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	const n = 20

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := exchangeCode(b, testClientID, testClientSecret, code); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestExchange_CodeExpiry(t *testing.T) {
	clock := newFakeClock()
	b, _ := testBroker(t, WithClock(clock.Now))

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	clock.Advance(CodeTTL + time.Second)

	_, err = exchangeCode(b, testClientID, testClientSecret, code)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestExchange_CodeAtExpiryBoundary(t *testing.T) {
	clock := newFakeClock()
	b, _ := testBroker(t, WithClock(clock.Now))

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	clock.Advance(CodeTTL)

	_, err = exchangeCode(b, testClientID, testClientSecret, code)
	assert.NoError(t, err)
}

func TestExchange_ClientMismatch(t *testing.T) {
	b, store := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	_, err = exchangeCode(b, otherClientID, otherSecret, code)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	// The rightful client can still redeem it.
	assert.Equal(t, 1, store.Counts().Codes)

	_, err = exchangeCode(b, testClientID, testClientSecret, code)
	assert.NoError(t, err)
}

func TestExchange_RedirectURIMismatch(t *testing.T) {
	b, _ := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	_, err = b.Exchange(ExchangeRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://evil.example.com/cb",
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = b.Exchange(ExchangeRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	assert.NoError(t, err)
}

func TestExchange_UnknownCode(t *testing.T) {
	b, _ := testBroker(t)

	_, err := exchangeCode(b, testClientID, testClientSecret, "does-not-exist")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestExchange_MissingCode(t *testing.T) {
	b, _ := testBroker(t)

	_, err := exchangeCode(b, testClientID, testClientSecret, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestExchange_BadCredentials(t *testing.T) {
	b, store := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{"wrong secret", testClientID, "wrong-secret-0123456789"},
		{"empty secret", testClientID, ""},
		{"unknown client", "nobody", testClientSecret},
		{"other client's secret", testClientID, otherSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exchangeCode(b, tt.clientID, tt.secret, code)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidClient)

			var oe *Error
			require.True(t, errors.As(err, &oe))
			assert.NotEmpty(t, oe.Description)
		})
	}

	// Failed client authentication never touches the code.
	assert.Equal(t, 1, store.Counts().Codes)
}

func TestExchange_BcryptSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret-0123456"), bcrypt.MinCost)
	require.NoError(t, err)

	store := NewMemoryStore()
	b := NewBroker(store, ClientCredentials{"hashed": string(hash)}, testLogger())
	t.Cleanup(b.Stop)

	code, err := b.IssueCode("hashed", testRedirect)
	require.NoError(t, err)

	_, err = exchangeCode(b, "hashed", "wrong", code)
	assert.ErrorIs(t, err, apperrors.ErrInvalidClient)

	_, err = exchangeCode(b, "hashed", "hashed-secret-0123456", code)
	assert.NoError(t, err)
}

func TestExchange_UnsupportedGrantType(t *testing.T) {
	b, _ := testBroker(t)

	_, err := b.Exchange(ExchangeRequest{
		GrantType:    "client_credentials",
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedGrantType)
}

func TestExchange_MissingGrantType(t *testing.T) {
	b, _ := testBroker(t)

	_, err := b.Exchange(ExchangeRequest{ClientID: testClientID, ClientSecret: testClientSecret})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

// --- Exchange: refresh_token ---

func TestExchange_RefreshRotates(t *testing.T) {
	b, _ := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	first, err := exchangeCode(b, testClientID, testClientSecret, code)
	require.NoError(t, err)

	refreshReq := ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	}

	second, err := b.Exchange(refreshReq)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Both access tokens stay valid; the old refresh token is spent.
	_, ok := b.Validate("Bearer " + first.AccessToken)
	assert.True(t, ok)
	_, ok = b.Validate("Bearer " + second.AccessToken)
	assert.True(t, ok)

	_, err = b.Exchange(refreshReq)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestExchange_RefreshBoundToClient(t *testing.T) {
	b, _ := testBroker(t)

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	resp, err := exchangeCode(b, testClientID, testClientSecret, code)
	require.NoError(t, err)

	_, err = b.Exchange(ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: resp.RefreshToken,
		ClientID:     otherClientID,
		ClientSecret: otherSecret,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestExchange_RefreshExpired(t *testing.T) {
	clock := newFakeClock()
	b, _ := testBroker(t, WithClock(clock.Now))

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	resp, err := exchangeCode(b, testClientID, testClientSecret, code)
	require.NoError(t, err)

	clock.Advance(RefreshTokenTTL + time.Minute)

	_, err = b.Exchange(ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: resp.RefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestExchange_RefreshMissing(t *testing.T) {
	b, _ := testBroker(t)

	_, err := b.Exchange(ExchangeRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

// --- Validate ---

func issueToken(t *testing.T, b *Broker) string {
	t.Helper()

	code, err := b.IssueCode(testClientID, testRedirect)
	require.NoError(t, err)

	resp, err := exchangeCode(b, testClientID, testClientSecret, code)
	require.NoError(t, err)

	return resp.AccessToken
}

func TestValidate_Valid(t *testing.T) {
	b, _ := testBroker(t)
	token := issueToken(t, b)

	at, ok := b.Validate("Bearer " + token)
	require.True(t, ok)
	assert.Equal(t, testClientID, at.ClientID)
}

func TestValidate_SchemeCaseInsensitive(t *testing.T) {
	b, _ := testBroker(t)
	token := issueToken(t, b)

	_, ok := b.Validate("bearer " + token)
	assert.True(t, ok)
	_, ok = b.Validate("BEARER " + token)
	assert.True(t, ok)
}

func TestValidate_Rejects(t *testing.T) {
	b, _ := testBroker(t)
	token := issueToken(t, b)

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no scheme", token},
		{"basic scheme", "Basic " + token},
		{"bearer without token", "Bearer "},
		{"unknown token", "Bearer deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := b.Validate(tt.header)
			assert.False(t, ok)
		})
	}
}

func TestValidate_ExpiredTokenRemoved(t *testing.T) {
	clock := newFakeClock()
	b, store := testBroker(t, WithClock(clock.Now))
	token := issueToken(t, b)

	clock.Advance(TokenTTL - time.Second)

	_, ok := b.Validate("Bearer " + token)
	require.True(t, ok)

	clock.Advance(2 * time.Second)

	_, ok = b.Validate("Bearer " + token)
	assert.False(t, ok)
	assert.Nil(t, store.Token(token))
	assert.Equal(t, 0, store.Counts().Tokens)
}

// --- Sweep ---

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	b, store := testBroker(t, WithClock(clock.Now))
	base := clock.Now()

	store.SaveCode(&models.AuthorizationCode{Code: "old-code", ClientID: testClientID, CreatedAt: base.Add(-11 * time.Minute)})
	store.SaveCode(&models.AuthorizationCode{Code: "new-code", ClientID: testClientID, CreatedAt: base.Add(-9 * time.Minute)})
	store.SaveToken(&models.AccessToken{Token: "old-token", ClientID: testClientID, CreatedAt: base.Add(-25 * time.Hour)})
	store.SaveToken(&models.AccessToken{Token: "new-token", ClientID: testClientID, CreatedAt: base.Add(-23 * time.Hour)})
	store.SaveRefreshToken(&models.RefreshToken{Token: "old-refresh", ClientID: testClientID, CreatedAt: base.Add(-31 * 24 * time.Hour)})
	store.SaveRefreshToken(&models.RefreshToken{Token: "new-refresh", ClientID: testClientID, CreatedAt: base.Add(-29 * 24 * time.Hour)})

	stats := b.Sweep()
	assert.Equal(t, SweepStats{Codes: 1, Tokens: 1, RefreshTokens: 1}, stats)
	assert.Equal(t, Counts{Codes: 1, Tokens: 1, RefreshTokens: 1}, store.Counts())

	assert.NotNil(t, store.Token("new-token"))
	assert.Nil(t, store.Token("old-token"))
	assert.NotNil(t, store.ConsumeCode("new-code", nil))
	assert.Nil(t, store.ConsumeCode("old-code", nil))
	assert.NotNil(t, store.ConsumeRefreshToken("new-refresh", nil))
}

type countingRecorder struct {
	mu       sync.Mutex
	issued   []string
	failures []string
	swept    int
}

func (r *countingRecorder) TokenIssued(grantType string) {
	r.mu.Lock()
	r.issued = append(r.issued, grantType)
	r.mu.Unlock()
}

func (r *countingRecorder) AuthFailure(reason string) {
	r.mu.Lock()
	r.failures = append(r.failures, reason)
	r.mu.Unlock()
}

func (r *countingRecorder) Swept(codes, tokens, refreshTokens int) {
	r.mu.Lock()
	r.swept += codes + tokens + refreshTokens
	r.mu.Unlock()
}

func TestBroker_Recorder(t *testing.T) {
	rec := &countingRecorder{}
	b, _ := testBroker(t, WithRecorder(rec))

	issueToken(t, b)

	_, _ = exchangeCode(b, testClientID, "bad", "x")
	_, _ = exchangeCode(b, testClientID, testClientSecret, "x")

	rec.mu.Lock()
	defer rec.mu.Unlock()

	assert.Equal(t, []string{GrantAuthorizationCode}, rec.issued)
	assert.Equal(t, []string{"invalid_client", "invalid_grant"}, rec.failures)
}

// --- sweep loop (synctest) ---

func TestSweepLoop_ReapsOnTicker(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := NewMemoryStore()
		b := NewBroker(store, testClients(), testLogger())

		_, err := b.IssueCode(testClientID, testRedirect)
		require.NoError(t, err)
		issueToken(t, b)

		// At +15m the code is past CodeTTL and the 15m tick reaps it.
		// The access token has 24h left.
		time.Sleep(16 * time.Minute)
		synctest.Wait()

		counts := store.Counts()
		assert.Equal(t, 0, counts.Codes)
		assert.Equal(t, 1, counts.Tokens)

		b.Stop()
	})
}

func TestSweepLoop_CustomInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &countingRecorder{}
		store := NewMemoryStore()
		b := NewBroker(store, testClients(), testLogger(),
			WithSweepInterval(time.Hour),
			WithRecorder(rec),
		)

		store.SaveCode(&models.AuthorizationCode{Code: "c", ClientID: testClientID, CreatedAt: time.Now()})

		time.Sleep(59 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 1, store.Counts().Codes)

		time.Sleep(2 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 0, store.Counts().Codes)

		rec.mu.Lock()
		assert.Equal(t, 1, rec.swept)
		rec.mu.Unlock()

		b.Stop()
	})
}

func TestBroker_StopIdempotent(t *testing.T) {
	b := NewBroker(NewMemoryStore(), testClients(), testLogger())

	b.Stop()
	b.Stop()
}

// --- Store ---

func TestMemoryStore_ConsumeCodeRejectKeeps(t *testing.T) {
	s := NewMemoryStore()
	s.SaveCode(&models.AuthorizationCode{Code: "abc", ClientID: "a"})

	got := s.ConsumeCode("abc", func(ac *models.AuthorizationCode) bool { return ac.ClientID == "b" })
	assert.Nil(t, got)
	assert.Equal(t, 1, s.Counts().Codes)

	got = s.ConsumeCode("abc", nil)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ClientID)
	assert.Equal(t, 0, s.Counts().Codes)
}

func TestMemoryStore_DeleteUnknownToken(t *testing.T) {
	s := NewMemoryStore()
	s.DeleteToken("missing")
	assert.Nil(t, s.Token("missing"))
}

func TestRandomHex_Length(t *testing.T) {
	h := RandomHex(16)
	assert.Len(t, h, 32) // 16 bytes = 32 hex chars
}

func TestRandomHex_Unique(t *testing.T) {
	a := RandomHex(16)
	b := RandomHex(16)
	assert.NotEqual(t, a, b)
}

func TestParseBearer(t *testing.T) {
	tok, ok := ParseBearer("  Bearer   abc  ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = ParseBearer("Bearer")
	assert.False(t, ok)
}
