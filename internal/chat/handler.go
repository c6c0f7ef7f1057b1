package chat

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tutorhive/backend/pkg/response"
)

// Handler handles chat history HTTP endpoints.
type Handler struct {
	repo         *Repository
	historyLimit int
}

// NewHandler creates a chat history handler.
func NewHandler(repo *Repository, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Handler{repo: repo, historyLimit: historyLimit}
}

// History handles GET /sessions/:id/messages.
func (h *Handler) History(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.repo.ListBySession(c.Request.Context(), sessionID, h.historyLimit)
	if err != nil {
		response.Internal(c, "failed to fetch chat history")
		return
	}
	response.OK(c, gin.H{"messages": list})
}
