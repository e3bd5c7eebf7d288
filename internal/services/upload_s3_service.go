package services

import (
	"context"

	"convosync/internal/proxy"
	"convosync/internal/storage"
	convosync_errors "convosync/pkg/errors"
)

// Presigner is implemented by *storage.Client.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, sizeBytes int64) (storage.Upload, error)
}

// UploadS3Service hands out presigned PUTs for message media. The returned
// key is what a draft lists in MediaRefs once the upload finished.
type UploadS3Service struct {
	storage Presigner
	access  *proxy.AccessControl
}

func NewUploadS3Service(storage Presigner, access *proxy.AccessControl) *UploadS3Service {
	return &UploadS3Service{storage: storage, access: access}
}

type PresignInput struct {
	ConversationID string
	FileName       string
	ContentType    string
	FileSize       int64
}

func (s *UploadS3Service) Presign(ctx context.Context, userID string, in PresignInput) (storage.Upload, error) {
	if s.storage == nil {
		return storage.Upload{}, convosync_errors.ErrServiceUnavailable
	}
	if err := storage.ValidateUpload(in.ContentType, in.FileSize); err != nil {
		return storage.Upload{}, err
	}
	if err := s.access.CanSendMessage(ctx, userID, in.ConversationID); err != nil {
		return storage.Upload{}, err
	}
	return s.storage.PresignPut(ctx, storage.ObjectKey(in.ConversationID, in.FileName), in.ContentType, in.FileSize)
}
