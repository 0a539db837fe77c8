package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
	"github.com/NinoDja/readwise-mcp-remote3/internal/models"
)

const (
	// CodeTTL is how long an authorization code may wait for exchange.
	CodeTTL = 10 * time.Minute

	// TokenTTL is the lifetime of an access token.
	TokenTTL = 24 * time.Hour

	// RefreshTokenTTL is the lifetime of an unused refresh token.
	RefreshTokenTTL = 30 * 24 * time.Hour

	// SweepInterval controls how often expired entries are reaped.
	SweepInterval = 5 * time.Minute

	// credentialBytes is the number of random bytes behind every code and
	// token (hex-encoded to twice this length).
	credentialBytes = 32
)

// Grant types accepted by Exchange.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// ClientCredentials maps configured client IDs to their secrets. A secret
// is either plain text or a bcrypt hash.
type ClientCredentials map[string]string

// Error is a broker failure carrying an OAuth error code and a description
// safe to return to the caller.
type Error struct {
	// Err is one of the OAuth sentinels in internal/errors.
	Err         error
	Description string
}

func (e *Error) Error() string {
	return e.Err.Error() + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Err
}

func oauthError(sentinel error, description string) *Error {
	return &Error{Err: sentinel, Description: description}
}

// Recorder receives credential lifecycle events for metrics.
type Recorder interface {
	TokenIssued(grantType string)
	AuthFailure(reason string)
	Swept(codes, tokens, refreshTokens int)
}

type nopRecorder struct{}

func (nopRecorder) TokenIssued(string)  {}
func (nopRecorder) AuthFailure(string)  {}
func (nopRecorder) Swept(int, int, int) {}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces time.Now, for tests that need to move time.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithSweepInterval overrides SweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) { b.interval = d }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) { b.recorder = r }
}

// Broker issues and validates credentials. It is the only component that
// mutates its Store.
type Broker struct {
	store    Store
	clients  ClientCredentials
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBroker creates a broker over store and starts a background goroutine
// that periodically sweeps expired entries. Call Stop to end it.
func NewBroker(store Store, clients ClientCredentials, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		clients:  clients,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		interval: SweepInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.sweepLoop()

	return b
}

// Stop terminates the sweep goroutine and waits for it to exit. It is safe
// to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

func (b *Broker) sweepLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.stop:
			return
		}
	}
}

// Sweep removes codes older than CodeTTL, access tokens older than TokenTTL
// and refresh tokens older than RefreshTokenTTL.
func (b *Broker) Sweep() SweepStats {
	now := b.now()

	stats := b.store.Sweep(Cutoffs{
		Codes:         now.Add(-CodeTTL),
		Tokens:        now.Add(-TokenTTL),
		RefreshTokens: now.Add(-RefreshTokenTTL),
	})

	if stats.Codes+stats.Tokens+stats.RefreshTokens > 0 {
		b.logger.Debug("swept expired credentials",
			slog.Int("codes", stats.Codes),
			slog.Int("tokens", stats.Tokens),
			slog.Int("refresh_tokens", stats.RefreshTokens),
		)
	}

	b.recorder.Swept(stats.Codes, stats.Tokens, stats.RefreshTokens)

	return stats
}

// Counts exposes the store sizes for health reporting.
func (b *Broker) Counts() Counts {
	return b.store.Counts()
}

// KnownClient reports whether clientID is configured.
func (b *Broker) KnownClient(clientID string) bool {
	_, ok := b.clients[clientID]
	return ok
}

// IssueCode creates an authorization code for a configured client.
func (b *Broker) IssueCode(clientID, redirectURI string) (string, error) {
	if !b.KnownClient(clientID) {
		b.recorder.AuthFailure("invalid_client")
		return "", oauthError(apperrors.ErrInvalidClient, "unknown client_id")
	}

	code := RandomHex(credentialBytes)
	b.store.SaveCode(&models.AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		CreatedAt:   b.now(),
	})

	b.logger.Debug("issued authorization code",
		logging.ClientID(clientID),
		slog.String("code", logging.SanitizeToken(code)),
	)

	return code, nil
}

// ExchangeRequest is the input to Exchange, assembled from the /token body.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 Section 5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Exchange authenticates the client and trades a code or refresh token for
// a new access token. Failures are *Error values wrapping an OAuth sentinel.
func (b *Broker) Exchange(req ExchangeRequest) (*TokenResponse, error) {
	if !b.authenticateClient(req.ClientID, req.ClientSecret) {
		b.recorder.AuthFailure("invalid_client")
		return nil, oauthError(apperrors.ErrInvalidClient, "client authentication failed")
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return b.exchangeCode(req)
	case GrantRefreshToken:
		return b.exchangeRefreshToken(req)
	case "":
		return nil, oauthError(apperrors.ErrInvalidRequest, "grant_type is required")
	default:
		b.recorder.AuthFailure("unsupported_grant_type")
		return nil, oauthError(apperrors.ErrUnsupportedGrantType, "grant_type must be authorization_code or refresh_token")
	}
}

func (b *Broker) exchangeCode(req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, oauthError(apperrors.ErrInvalidRequest, "code is required")
	}

	now := b.now()
	ac := b.store.ConsumeCode(req.Code, func(ac *models.AuthorizationCode) bool {
		if ac.ClientID != req.ClientID {
			return false
		}

		if now.Sub(ac.CreatedAt) > CodeTTL {
			return false
		}

		// RFC 6749 Section 4.1.3: when the caller repeats redirect_uri it
		// must match the one the code was issued for.
		return req.RedirectURI == "" || req.RedirectURI == ac.RedirectURI
	})
	if ac == nil {
		b.recorder.AuthFailure("invalid_grant")
		b.logger.Debug("rejected authorization code",
			logging.ClientID(req.ClientID),
			slog.String("code", logging.SanitizeToken(req.Code)),
		)

		return nil, oauthError(apperrors.ErrInvalidGrant, "invalid or expired authorization code")
	}

	return b.mint(ac.ClientID, GrantAuthorizationCode), nil
}

func (b *Broker) exchangeRefreshToken(req ExchangeRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, oauthError(apperrors.ErrInvalidRequest, "refresh_token is required")
	}

	now := b.now()
	rt := b.store.ConsumeRefreshToken(req.RefreshToken, func(rt *models.RefreshToken) bool {
		return rt.ClientID == req.ClientID && now.Sub(rt.CreatedAt) <= RefreshTokenTTL
	})
	if rt == nil {
		b.recorder.AuthFailure("invalid_grant")
		return nil, oauthError(apperrors.ErrInvalidGrant, "invalid or expired refresh token")
	}

	return b.mint(rt.ClientID, GrantRefreshToken), nil
}

// mint stores a fresh access/refresh token pair for clientID.
func (b *Broker) mint(clientID, grantType string) *TokenResponse {
	now := b.now()

	access := RandomHex(credentialBytes)
	b.store.SaveToken(&models.AccessToken{
		Token:     access,
		ClientID:  clientID,
		CreatedAt: now,
	})

	refresh := RandomHex(credentialBytes)
	b.store.SaveRefreshToken(&models.RefreshToken{
		Token:     refresh,
		ClientID:  clientID,
		CreatedAt: now,
	})

	b.recorder.TokenIssued(grantType)
	b.logger.Info("issued access token",
		logging.ClientID(clientID),
		slog.String("grant_type", grantType),
	)

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(TokenTTL.Seconds()),
		RefreshToken: refresh,
	}
}

// Validate checks an Authorization header value of the form
// "Bearer <token>". Tokens older than TokenTTL are removed on the spot.
func (b *Broker) Validate(header string) (*models.AccessToken, bool) {
	token, ok := ParseBearer(header)
	if !ok {
		return nil, false
	}

	at := b.store.Token(token)
	if at == nil {
		return nil, false
	}

	if b.now().Sub(at.CreatedAt) > TokenTTL {
		b.store.DeleteToken(token)
		b.logger.Debug("removed expired access token", logging.ClientID(at.ClientID))

		return nil, false
	}

	return at, true
}

// ParseBearer extracts the token from a "Bearer <token>" header. The
// scheme is matched case-insensitively (RFC 7235 Section 2.1).
func ParseBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// authenticateClient compares the presented secret against the configured
// one. Plain secrets are SHA-256 hashed on both sides before the
// constant-time compare so the comparison does not leak secret length.
func (b *Broker) authenticateClient(clientID, secret string) bool {
	expected, ok := b.clients[clientID]
	if !ok {
		expected = "\x00invalid"
	}

	if isBcryptHash(expected) {
		return ok && bcrypt.CompareHashAndPassword([]byte(expected), []byte(secret)) == nil
	}

	expectedH := sha256.Sum256([]byte(expected))
	secretH := sha256.Sum256([]byte(secret))

	return subtle.ConstantTimeCompare(expectedH[:], secretH[:]) == 1 && ok
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
