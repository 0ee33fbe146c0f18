package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"go.uber.org/zap"
)

type turnReq struct {
	UserID         string `json:"userId"`
	Prompt         string `json:"prompt"`
	CharacterKey   string `json:"characterKey"`
	ConversationID string `json:"conversationId"`
}

func (r turnReq) toTurn(userID string) chat.TurnRequest {
	return chat.TurnRequest{
		UserID:         userID,
		CharacterKey:   strings.TrimSpace(r.CharacterKey),
		ConversationID: strings.TrimSpace(r.ConversationID),
		Prompt:         r.Prompt,
	}
}

func (h *Handler) SendTurn(c *gin.Context) {
	var req turnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, ok := callerID(c, req.UserID)
	if !ok {
		return
	}

	res, err := h.ChatSvc.SendTurn(c.Request.Context(), req.toTurn(uid))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, res)
}

type retryReq struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// RetryTurn answers the newest user message again after a failed turn.
func (h *Handler) RetryTurn(c *gin.Context) {
	var req retryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, ok := callerID(c, req.UserID)
	if !ok {
		return
	}

	res, err := h.ChatSvc.RetryTurn(c.Request.Context(), uid, req.ConversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) SendTurnAsync(c *gin.Context) {
	var req turnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, ok := callerID(c, req.UserID)
	if !ok {
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	ctx := c.Request.Context()

	job, created, err := h.ChatSvc.EnqueueTurn(ctx, req.toTurn(uid), idempoKey)
	if err != nil {
		writeError(c, err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Jobs.PublishJob(ctx, job.ID); err != nil {
			logging.WithCtx(ctx).Error("publish job failed",
				zap.String("job_id", job.ID),
				zap.String("conversation_id", job.ConversationID),
				zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50003, "enqueue failed")
			return
		}
	}

	common.Accepted(c, gin.H{
		"jobId":          job.ID,
		"conversationId": job.ConversationID,
		"status":         job.Status,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, gin.H{"job": j})
}

func historyBody(v *chat.HistoryView) gin.H {
	return gin.H{
		"conversationId": v.Conversation.ID,
		"character":      v.Conversation.Character,
		"history":        v.Messages,
	}
}

// GetConversation returns the visible history of one conversation.
func (h *Handler) GetConversation(c *gin.Context) {
	uid, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}

	v, err := h.ChatSvc.HistoryByConversation(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, historyBody(v))
}

// GetHistory finds (or starts) the caller's conversation with a character.
func (h *Handler) GetHistory(c *gin.Context) {
	uid, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}

	v, err := h.ChatSvc.HistoryByCharacter(c.Request.Context(), uid, strings.TrimSpace(c.Query("characterKey")))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, historyBody(v))
}

func (h *Handler) ResetConversation(c *gin.Context) {
	uid, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}

	if err := h.ChatSvc.ResetConversation(c.Request.Context(), uid, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	common.NoContent(c)
}
