package handler

import (
	"context"
	"net/http"
	"strings"

	"convosync/internal/domain/user"
	"convosync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

// Profiles is implemented by *profile.Directory.
type Profiles interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]user.Profile, error)
	Upsert(ctx context.Context, p user.Profile) error
}

type UserHandler struct {
	profiles Profiles
}

func NewUserHandler(profiles Profiles) *UserHandler {
	return &UserHandler{profiles: profiles}
}

// Lookup serves GET /profiles?ids=a,b.
func (h *UserHandler) Lookup(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	ids := strings.Split(c.Query("ids"), ",")
	found, err := h.profiles.Lookup(c.Request.Context(), ids)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"profiles": found}))
}

func (h *UserHandler) UpdateProfile(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	p := user.Profile{UserID: userID, Username: req.Username, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if err := h.profiles.Upsert(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(p))
}
