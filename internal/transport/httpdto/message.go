package httpdto

// SendMessageRequest is used for POST /conversations/:id/messages. ClientMsgID
// becomes the message id, so a retried request does not duplicate.
type SendMessageRequest struct {
	ClientMsgID string   `json:"client_message_id,omitempty"`
	Content     string   `json:"content"`
	MediaRefs   []string `json:"media_refs,omitempty"`
	ReplyToID   *string  `json:"reply_to_id,omitempty"`
	Type        string   `json:"type,omitempty"`
}

// EditMessageRequest is used for PATCH /messages/:id
type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// MarkReadRequest is used for POST /conversations/:id/read
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}
