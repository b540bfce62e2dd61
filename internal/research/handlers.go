package research

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/blueprint-labs/blueprint-api/internal/store"
	"github.com/gin-gonic/gin"
)

// StartRequest opens a new research stream from a fresh prompt.
type StartRequest struct {
	Prompt string `json:"prompt" binding:"required,min=1,max=500"`
}

// AdvanceRequest continues a session from a user selection.
type AdvanceRequest struct {
	StageKind string          `json:"stage_kind" binding:"required"`
	Selection json.RawMessage `json:"selection" binding:"required"`
}

// Handler wires the research service to the HTTP surface.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

func NewHandler(service *Service, logger *logger.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the research endpoints.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/api/research")
	group.POST("", h.Start)
	group.POST("/:id/selection", h.Advance)
	group.GET("", h.List)
	group.GET("/:id", h.Get)
}

// Start handles POST /api/research: classify a prompt and stream events.
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt must be 1-500 characters"})
		return
	}

	key := DedupKey("", req.Prompt)
	if !h.service.Guard().Acquire(key) {
		c.JSON(http.StatusConflict, gin.H{"error": "research already in progress for this prompt"})
		return
	}

	ctx := logger.WithOperation(c.Request.Context(), "research_start")
	events := make(chan Event, 32)
	go func() {
		defer h.service.Guard().Release(key)
		h.service.RunStart(ctx, req.Prompt, events)
	}()

	h.streamEvents(c, events)
}

// Advance handles POST /api/research/:id/selection: persist a selection and
// stream the next stage.
func (h *Handler) Advance(c *gin.Context) {
	sessionID := c.Param("id")

	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage_kind and selection are required"})
		return
	}
	switch req.StageKind {
	case StageClarify, StageSelectCandidates, StageSelectFindings:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stage_kind"})
		return
	}

	ctx := logger.WithSessionID(logger.WithOperation(c.Request.Context(), "research_advance"), sessionID)

	detail, err := h.service.Store().GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.WithContext(ctx).Error("session load failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	key := DedupKey(sessionID, "")
	if !h.service.Guard().Acquire(key) {
		c.JSON(http.StatusConflict, gin.H{"error": "research already in progress for this session"})
		return
	}

	events := make(chan Event, 32)
	go func() {
		defer h.service.Guard().Release(key)
		h.service.RunAdvance(ctx, detail, req.StageKind, req.Selection, events)
	}()

	h.streamEvents(c, events)
}

// List handles GET /api/research: sessions by recency with step counts.
func (h *Handler) List(c *gin.Context) {
	sessions, err := h.service.Store().ListSessions(c.Request.Context())
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("session list failed",
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Get handles GET /api/research/:id: one session with its ordered steps.
func (h *Handler) Get(c *gin.Context) {
	detail, err := h.service.Store().GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.WithContext(c.Request.Context()).Error("session load failed",
			slog.String("session_id", c.Param("id")),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// streamEvents drains the orchestrator's event channel as SSE frames. The
// stream ends when the channel closes or the client disconnects; user input
// never arrives on this connection.
func (h *Handler) streamEvents(c *gin.Context, events <-chan Event) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("research")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		log.Error("response writer doesn't support flushing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Error("failed to marshal event", slog.String("error", err.Error()))
				continue
			}
			if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
				log.Debug("client write failed, stopping stream",
					slog.String("error", err.Error()))
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			log.Debug("client disconnected")
			return
		}
	}
}
