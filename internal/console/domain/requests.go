// Package domain: DTO HTTP-поверхности консоли.
package domain

// AppendEventRequest: тело POST /v1/audit/{ws}/events.
type AppendEventRequest struct {
	ActorID   string         `json:"actorId" validate:"required"`
	EventType string         `json:"eventType" validate:"required"`
	Payload   map[string]any `json:"payload"`
}

// VerifyTokenRequest: тело POST /v1/release/cert/verify.
type VerifyTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type VerifyTokenResponse struct {
	Valid   bool   `json:"valid"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// KeyStatus: ответ POST /v1/shred/{ws}/key.
type KeyStatus struct {
	WorkspaceID string `json:"workspaceId"`
	Persisted   bool   `json:"persisted"`
}

// ErrorResponse: единая форма ошибки.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
