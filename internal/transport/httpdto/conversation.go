package httpdto

// CreateConversationRequest is used for POST /conversations
type CreateConversationRequest struct {
	Kind      string   `json:"kind" binding:"required"`
	Title     string   `json:"title,omitempty"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Members   []string `json:"members" binding:"required"`
}

// AddMemberRequest is used for POST /conversations/:id/members
type AddMemberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}
