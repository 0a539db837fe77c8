// Package models defines types shared across internal packages.
package models

import "time"

// AuthorizationCode is a one-time code issued by /authorize and exchanged
// at /token.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// AccessToken is a bearer credential presented on every /call request.
type AccessToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is issued alongside an access token and may be exchanged
// once for a new pair.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}
