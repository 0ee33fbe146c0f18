package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
)

type createCharacterReq struct {
	chat.CreateCharacterInput
	// Prompt is accepted as an alias of basePrompt.
	Prompt string `json:"prompt"`
}

func (h *Handler) ListCharacters(c *gin.Context) {
	chars, err := h.ChatSvc.ListCharacters(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, gin.H{"characters": chars})
}

func (h *Handler) GetCharacter(c *gin.Context) {
	ch, err := h.ChatSvc.GetCharacter(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, ch)
}

func (h *Handler) CreateCharacter(c *gin.Context) {
	var req createCharacterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	in := req.CreateCharacterInput
	if in.BasePrompt == "" {
		in.BasePrompt = req.Prompt
	}

	ch, err := h.ChatSvc.CreateCharacter(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}
