package httpdto

// CreateUploadRequest is used for POST /media/uploads
type CreateUploadRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	FileName       string `json:"file_name" binding:"required"`
	FileSize       int64  `json:"file_size" binding:"required"`
	ContentType    string `json:"content_type" binding:"required"`
}
