package challenge

// ============================================================================
// Request DTOs
// ============================================================================

// IssueNonceRequest represents the request body for nonce issuance
type IssueNonceRequest struct {
	// Salt binds the nonce to caller context (base64, optional)
	Salt string `json:"salt,omitempty" example:"cmVhbG0tYQ=="`
}

// ValidateNonceRequest represents the request body for nonce validation
type ValidateNonceRequest struct {
	Nonce string `json:"nonce" binding:"required" example:"AAAAAQAX..."`
	Salt  string `json:"salt,omitempty" example:"cmVhbG0tYQ=="`
	// NonceCount is the client request counter; omit or 0 when the protocol has none
	NonceCount int64 `json:"nonce_count,omitempty" binding:"omitempty,gte=0" example:"1"`
}

// ============================================================================
// Response DTOs
// ============================================================================

// NonceResponse represents a freshly issued nonce
type NonceResponse struct {
	Nonce            string `json:"nonce" example:"AAAAAQAX..."`
	ExpiresInSeconds int64  `json:"expires_in_seconds" example:"300"`
}

// ValidationResponse carries the validation outcome without a reason
type ValidationResponse struct {
	Accepted bool `json:"accepted" example:"true"`
}
