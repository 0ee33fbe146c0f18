package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"go.uber.org/zap"
)

// JobPublisher hands an async turn to the worker queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	ChatSvc *chat.Service
	Jobs    JobPublisher
}

func NewHandler(svc *chat.Service, jobs JobPublisher) *Handler {
	return &Handler{ChatSvc: svc, Jobs: jobs}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}

// writeError maps a service error to its status. 5xx causes are logged, never returned.
func writeError(c *gin.Context, err error) {
	msg := "internal error"
	var ce *chat.Error
	if errors.As(err, &ce) {
		msg = ce.Message()
	}

	switch {
	case errors.Is(err, chat.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 40000, msg)
	case errors.Is(err, chat.ErrUnauthorized):
		common.Fail(c, http.StatusForbidden, 40300, msg)
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, msg)
	case errors.Is(err, chat.ErrAIProcessing):
		logging.WithCtx(c.Request.Context()).Error("ai processing failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50002, msg)
	case errors.Is(err, chat.ErrPersistence):
		logging.WithCtx(c.Request.Context()).Error("persistence failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, msg)
	default:
		logging.WithCtx(c.Request.Context()).Error("unexpected error", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}

// callerID settles who is calling. A verified token wins; a userId that
// contradicts it is rejected. Without verification the claimed id is used.
func callerID(c *gin.Context, claimed string) (string, bool) {
	if verified, ok := middleware.UserIDFromContext(c); ok {
		if claimed != "" && claimed != verified {
			common.Fail(c, http.StatusForbidden, 40303, "userId does not match session")
			return "", false
		}
		return verified, true
	}
	if claimed != "" {
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claimed))
	}
	return claimed, true
}
