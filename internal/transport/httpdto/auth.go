package httpdto

// DevTokenRequest is used for POST /dev/token, which only exists outside
// release mode.
type DevTokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// TokenResponse is returned by POST /dev/token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}
