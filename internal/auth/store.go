// Package auth implements the credential broker that gates /call. It issues
// authorization codes and access tokens against a fixed set of configured
// clients and acts as both authorization server and resource server.
// All state is in-memory; tokens are invalidated on restart.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/NinoDja/readwise-mcp-remote3/internal/models"
)

// Store holds authorization codes, access tokens and refresh tokens.
// Implementations must be safe for concurrent use: insert, delete and the
// sweep iteration may run from different goroutines.
type Store interface {
	SaveCode(ac *models.AuthorizationCode)
	// ConsumeCode deletes and returns the code if accept reports true for
	// it. A nil accept accepts any code. Returns nil when the code is
	// unknown or rejected; a rejected code stays in the store.
	ConsumeCode(code string, accept func(*models.AuthorizationCode) bool) *models.AuthorizationCode

	SaveToken(at *models.AccessToken)
	Token(token string) *models.AccessToken
	DeleteToken(token string)

	SaveRefreshToken(rt *models.RefreshToken)
	// ConsumeRefreshToken follows the same contract as ConsumeCode.
	ConsumeRefreshToken(token string, accept func(*models.RefreshToken) bool) *models.RefreshToken

	// Sweep removes every entry created before the matching cutoff.
	Sweep(c Cutoffs) SweepStats
	Counts() Counts
}

// Cutoffs are the creation-time thresholds used by Store.Sweep. Entries
// created strictly before a cutoff are removed.
type Cutoffs struct {
	Codes         time.Time
	Tokens        time.Time
	RefreshTokens time.Time
}

// SweepStats reports how many entries a sweep removed.
type SweepStats struct {
	Codes         int
	Tokens        int
	RefreshTokens int
}

// Counts reports the number of live entries per collection.
type Counts struct {
	Codes         int `json:"codes"`
	Tokens        int `json:"tokens"`
	RefreshTokens int `json:"refresh_tokens"`
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	codes   map[string]*models.AuthorizationCode // code -> AuthorizationCode
	tokens  map[string]*models.AccessToken       // token -> AccessToken
	refresh map[string]*models.RefreshToken      // refresh token -> RefreshToken
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:   make(map[string]*models.AuthorizationCode),
		tokens:  make(map[string]*models.AccessToken),
		refresh: make(map[string]*models.RefreshToken),
	}
}

// SaveCode stores an authorization code.
func (s *MemoryStore) SaveCode(ac *models.AuthorizationCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code in one step, so
// two concurrent exchanges of the same code cannot both succeed.
func (s *MemoryStore) ConsumeCode(code string, accept func(*models.AuthorizationCode) bool) *models.AuthorizationCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	if accept != nil && !accept(ac) {
		return nil
	}

	delete(s.codes, code)

	return ac
}

// SaveToken stores an access token.
func (s *MemoryStore) SaveToken(at *models.AccessToken) {
	s.mu.Lock()
	s.tokens[at.Token] = at
	s.mu.Unlock()
}

// Token returns the access token record, or nil.
func (s *MemoryStore) Token(token string) *models.AccessToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tokens[token]
}

// DeleteToken removes an access token. Deleting an unknown token is a no-op.
func (s *MemoryStore) DeleteToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// SaveRefreshToken stores a refresh token.
func (s *MemoryStore) SaveRefreshToken(rt *models.RefreshToken) {
	s.mu.Lock()
	s.refresh[rt.Token] = rt
	s.mu.Unlock()
}

// ConsumeRefreshToken retrieves and deletes a refresh token.
func (s *MemoryStore) ConsumeRefreshToken(token string, accept func(*models.RefreshToken) bool) *models.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refresh[token]
	if !ok {
		return nil
	}

	if accept != nil && !accept(rt) {
		return nil
	}

	delete(s.refresh, token)

	return rt
}

// Sweep removes all expired entries from the store.
func (s *MemoryStore) Sweep(c Cutoffs) SweepStats {
	var stats SweepStats

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if ac.CreatedAt.Before(c.Codes) {
			delete(s.codes, k)
			stats.Codes++
		}
	}

	for k, at := range s.tokens {
		if at.CreatedAt.Before(c.Tokens) {
			delete(s.tokens, k)
			stats.Tokens++
		}
	}

	for k, rt := range s.refresh {
		if rt.CreatedAt.Before(c.RefreshTokens) {
			delete(s.refresh, k)
			stats.RefreshTokens++
		}
	}

	return stats
}

// Counts returns the current collection sizes.
func (s *MemoryStore) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Counts{
		Codes:         len(s.codes),
		Tokens:        len(s.tokens),
		RefreshTokens: len(s.refresh),
	}
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
