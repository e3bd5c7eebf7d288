package httpdto

// UpdateProfileRequest is used for PUT /me/profile
type UpdateProfileRequest struct {
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
