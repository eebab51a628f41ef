package dashboard

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/eternisai/research-dashboard/internal/errors"
	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/research"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced in front of the router
	},
}

// StartResearchRequest is the body of POST /api/dashboard/research.
type StartResearchRequest struct {
	Query string `json:"query"`
}

// SendChatRequest is the body of POST /api/dashboard/chat.
type SendChatRequest struct {
	Message string `json:"message"`
}

// Handler serves the dashboard API.
type Handler struct {
	service *Service
	feed    *Feed
	health  *HealthProbe
	logger  *logger.Logger
}

// NewHandler creates the dashboard HTTP handler. health may be nil.
func NewHandler(service *Service, feed *Feed, health *HealthProbe, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		feed:    feed,
		health:  health,
		logger:  log,
	}
}

// StartResearch handles POST /api/dashboard/research
func (h *Handler) StartResearch(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("dashboard_handler")

	var req StartResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn("invalid request body", slog.String("error", err.Error()))
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	snap, err := h.service.StartResearch(c.Request.Context(), req.Query)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// SendChat handles POST /api/dashboard/chat
func (h *Handler) SendChat(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("dashboard_handler")

	var req SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn("invalid request body", slog.String("error", err.Error()))
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	snap, err := h.service.SendChat(c.Request.Context(), req.Message)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// ClearLogs handles DELETE /api/dashboard/logs
func (h *Handler) ClearLogs(c *gin.Context) {
	h.respond(c, h.service.ClearLogs)
}

// ClearLinks handles DELETE /api/dashboard/links
func (h *Handler) ClearLinks(c *gin.Context) {
	h.respond(c, h.service.ClearLinks)
}

// ClearChat handles DELETE /api/dashboard/chat
func (h *Handler) ClearChat(c *gin.Context) {
	h.respond(c, h.service.ClearChat)
}

// GetState handles GET /api/dashboard/state
func (h *Handler) GetState(c *gin.Context) {
	h.respond(c, h.service.Snapshot)
}

// Feed handles GET /api/dashboard/ws
func (h *Handler) Feed(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("dashboard_handler")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	log.Info("websocket connection established")

	ctx := c.Request.Context()
	if err := h.feed.Serve(ctx, conn, func() (research.Snapshot, error) {
		return h.service.Snapshot(ctx)
	}); err != nil {
		log.Warn("live feed ended", slog.String("error", err.Error()))
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"subscribers": h.feed.SubscriberCount(),
	}
	if h.health != nil {
		body["backend"] = h.health.Status()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) respond(c *gin.Context, fn func(ctx context.Context) (research.Snapshot, error)) {
	snap, err := fn(c.Request.Context())
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) abortWithStatus(c *gin.Context, err error) {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.InvalidArgument:
		errors.AbortWithBadRequest(c, st.Message(), nil)
	case codes.FailedPrecondition:
		errors.AbortWithConflict(c, st.Message(), nil)
	case codes.Unavailable:
		errors.AbortWithUnavailable(c, st.Message(), nil)
	default:
		h.logger.WithContext(c.Request.Context()).Error("dashboard request failed", slog.String("error", err.Error()))
		errors.AbortWithInternal(c, "internal error", nil)
	}
}
