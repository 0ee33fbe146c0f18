package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
)

type upsertUserReq struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image"`
}

// UpsertUser records the identity provider's profile on sign-in.
func (h *Handler) UpsertUser(c *gin.Context) {
	var req upsertUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, ok := callerID(c, req.ID)
	if !ok {
		return
	}

	u, err := h.ChatSvc.UpsertUser(c.Request.Context(), chat.UpsertUserInput{
		ID:    uid,
		Name:  req.Name,
		Email: req.Email,
		Image: req.Image,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, u)
}

func (h *Handler) ListUserConversations(c *gin.Context) {
	uid, ok := callerID(c, c.Param("id"))
	if !ok {
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 10004, "invalid limit")
			return
		}
		limit = n
	}
	var ascending bool
	switch c.DefaultQuery("order", "desc") {
	case "asc":
		ascending = true
	case "desc":
	default:
		common.Fail(c, http.StatusBadRequest, 10005, "order must be asc or desc")
		return
	}

	convs, err := h.ChatSvc.ListUserConversations(c.Request.Context(), uid, ascending, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}
