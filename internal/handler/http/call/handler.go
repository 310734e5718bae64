package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/history"
	"peercall-backend/internal/rtc"
	"peercall-backend/internal/session"
	"peercall-backend/pkg/response"
)

// Handler handles call control HTTP requests
type Handler struct {
	engine     *session.Engine
	store      history.Store
	iceServers []string
}

// NewHandler creates a new call handler. store may be nil when history is
// disabled.
func NewHandler(engine *session.Engine, store history.Store, iceServers []string) *Handler {
	return &Handler{
		engine:     engine,
		store:      store,
		iceServers: iceServers,
	}
}

// RegisterRoutes mounts the call routes on an authenticated group.
// dialLimit middleware, if any, runs before the dial handler only.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, dialLimit ...gin.HandlerFunc) {
	calls := rg.Group("/calls")
	{
		calls.POST("/dial", append(dialLimit, h.Dial)...)
		calls.GET("", h.ListSessions)
		calls.GET("/history", h.History)
		calls.GET("/diagnostics", h.Diagnostics)
		calls.GET("/:id", h.GetSession)
		calls.POST("/:id/accept", h.Accept)
		calls.POST("/:id/reject", h.Reject)
		calls.POST("/:id/cancel", h.Cancel)
		calls.POST("/:id/hangup", h.Hangup)
		calls.POST("/:id/mute", h.SetMuted)
		calls.POST("/:id/video", h.SetVideo)
	}
}

func userID(c *gin.Context) (string, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return "", false
	}
	id, ok := val.(string)
	if !ok || id == "" {
		response.InternalError(c, "Invalid user ID")
		return "", false
	}
	return id, true
}

// DialRequest represents an outgoing call request
type DialRequest struct {
	CalleeID string `json:"callee_id" binding:"required"`
	Kind     string `json:"kind" binding:"required,oneof=audio video"`
}

// Dial starts an outgoing call
// POST /v1/calls/dial
func (h *Handler) Dial(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := userID(c)
	if !ok {
		return
	}

	sess, err := h.engine.Dial(c.Request.Context(), callerID, req.CalleeID, domain.CallKind(req.Kind))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, sess)
}

// ListSessions returns the user's live call sessions
// GET /v1/calls
func (h *Handler) ListSessions(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, h.engine.Sessions(id))
}

// GetSession returns one live call session
// GET /v1/calls/:id
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	sess, err := h.engine.Session(id, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

func (h *Handler) command(c *gin.Context, fn func(ctx context.Context, userID, sessionID string) error) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id, c.Param("id")); err != nil {
		response.AppError(c, err)
		return
	}
	sess, err := h.engine.Session(id, c.Param("id"))
	if err != nil {
		// Terminal commands remove the session; report success without it.
		response.Success(c, http.StatusOK, nil)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// Accept answers a ringing incoming call
// POST /v1/calls/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	h.command(c, h.engine.Accept)
}

// Reject declines a ringing incoming call
// POST /v1/calls/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	h.command(c, h.engine.Reject)
}

// Cancel withdraws an unanswered outgoing call
// POST /v1/calls/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.command(c, h.engine.Cancel)
}

// Hangup ends a connecting or active call
// POST /v1/calls/:id/hangup
func (h *Handler) Hangup(c *gin.Context) {
	h.command(c, h.engine.Hangup)
}

// ToggleRequest represents a local media toggle
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetMuted toggles the local microphone
// POST /v1/calls/:id/mute
func (h *Handler) SetMuted(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	h.command(c, func(ctx context.Context, userID, sessionID string) error {
		return h.engine.SetMuted(ctx, userID, sessionID, *req.Enabled)
	})
}

// SetVideo toggles the local camera
// POST /v1/calls/:id/video
func (h *Handler) SetVideo(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	h.command(c, func(ctx context.Context, userID, sessionID string) error {
		return h.engine.SetVideoEnabled(ctx, userID, sessionID, *req.Enabled)
	})
}

// History returns the user's past calls, newest first
// GET /v1/calls/history?limit=50&offset=0
func (h *Handler) History(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if h.store == nil {
		response.Success(c, http.StatusOK, []*domain.CallRecord{})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := h.store.UserCalls(c.Request.Context(), id, limit, offset)
	if err != nil {
		response.InternalError(c, "Failed to load call history")
		return
	}
	response.Success(c, http.StatusOK, records)
}

// Diagnostics probes the configured STUN servers
// GET /v1/calls/diagnostics
func (h *Handler) Diagnostics(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	response.Success(c, http.StatusOK, rtc.CheckServers(c.Request.Context(), h.iceServers))
}
