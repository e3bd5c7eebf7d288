package handler

import (
	"net/http"
	"strconv"

	"convosync/internal/domain/message"
	"convosync/internal/services"
	"convosync/internal/transport/httpdto"
	convosync_errors "convosync/pkg/errors"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	service *services.MessageService
}

func NewMessageHandler(service *services.MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

// fail hands err to the error middleware, which picks the status code.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func currentUser(c *gin.Context) (string, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		c.Abort()
	}
	return userID, ok
}

func (h *MessageHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	page, err := parseInt(c.Query("page"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid page", "INVALID_REQUEST"))
		return
	}
	result, err := h.service.GetConversationMessages(c.Request.Context(), userID, c.Param("id"), page)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(result))
}

func (h *MessageHandler) Pinned(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	pinned, err := h.service.Pinned(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"pinned": pinned}))
}

func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	msg, err := h.service.Send(c.Request.Context(), userID, c.Param("id"), req.ClientMsgID, message.Draft{
		Content:   req.Content,
		MediaRefs: req.MediaRefs,
		ReplyToID: req.ReplyToID,
		Type:      message.Type(req.Type),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(msg))
}

func (h *MessageHandler) Edit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	msg, err := h.service.Edit(c.Request.Context(), userID, c.Param("id"), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(msg))
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	msg, err := h.service.Delete(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(msg))
}

func (h *MessageHandler) Pin(c *gin.Context)   { h.setPinned(c, true) }
func (h *MessageHandler) Unpin(c *gin.Context) { h.setPinned(c, false) }

func (h *MessageHandler) setPinned(c *gin.Context, pinned bool) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	msg, err := h.service.SetPinned(c.Request.Context(), userID, c.Param("id"), pinned)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(msg))
}

func (h *MessageHandler) AddReaction(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.service.AddReaction(c.Request.Context(), userID, c.Param("id"), c.Param("emoji")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) RemoveReaction(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.service.RemoveReaction(c.Request.Context(), userID, c.Param("id"), c.Param("emoji")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	created, err := h.service.MarkRead(c.Request.Context(), userID, c.Param("id"), req.MessageIDs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"created": created}))
}

func parseInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, convosync_errors.ErrInvalidInput
	}
	return parsed, nil
}
