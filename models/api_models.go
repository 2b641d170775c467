package models

import "time"

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// request for an ephemeral stream token
type CreateTokenRequest struct {
	Scope string `json:"scope"`
	TTL   int    `json:"ttl"`
}

// response for an issued stream token
type TokenResponse struct {
	Token       string       `json:"token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Scope       string       `json:"scope"`
	Permissions []Permission `json:"permissions"`
	TTL         int          `json:"ttl"`
}

type RevokeTokensResponse struct {
	Revoked int `json:"revoked"`
}

// request for a new download
type CreateDownloadRequest struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

type CreateDownloadResponse struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

// stream service metrics
type StreamHealthResponse struct {
	ActiveConnections int64   `json:"active_connections"`
	MaxConnections    int64   `json:"max_connections"`
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}
