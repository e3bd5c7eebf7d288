package handler

import (
	"net/http"

	"convosync/internal/services"
	"convosync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type UploadHandler struct {
	service *services.UploadS3Service
}

func NewUploadHandler(service *services.UploadS3Service) *UploadHandler {
	return &UploadHandler{service: service}
}

func (h *UploadHandler) Presign(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.CreateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	up, err := h.service.Presign(c.Request.Context(), userID, services.PresignInput{
		ConversationID: req.ConversationID,
		FileName:       req.FileName,
		ContentType:    req.ContentType,
		FileSize:       req.FileSize,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(up))
}
