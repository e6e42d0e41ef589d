package models

// RateLimitedResponse is the 429 body.
type RateLimitedResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// UnavailableResponse is the 503 body for fail-closed classes.
type UnavailableResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ResetResponse struct {
	Identifier string        `json:"identifier"`
	Class      EndpointClass `json:"class"`
	Reset      bool          `json:"reset"`
}
