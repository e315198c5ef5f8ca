package auth

import "time"

// ServiceKey identifies a trusted internal caller (the marketplace backend,
// the upload pipeline). End-user wallet authentication lives outside this
// service; only machine callers reach the verification API.
type ServiceKey struct {
	ID        string
	Name      string
	KeyHash   string
	Disabled  bool
	CreatedAt time.Time
}

// TokenRequest is the API-key exchange payload.
type TokenRequest struct {
	Service string `json:"service"`
	APIKey  string `json:"api_key"`
}
