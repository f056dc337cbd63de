package stream

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/logger"
	chatService "github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/internal/service/events"
	"github.com/zhouzirui/hookchat/pkg/utils"
)

// EventSnapshot is the first event of every stream.
const EventSnapshot = "snapshot"

const defaultHeartbeat = 15 * time.Second

// Handler pushes widget updates to the page over Server-Sent Events.
type Handler struct {
	chatSvc   *chatService.Service
	hub       *events.Hub
	heartbeat time.Duration
	log       zerolog.Logger
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, hub *events.Hub) *Handler {
	return &Handler{
		chatSvc:   chatSvc,
		hub:       hub,
		heartbeat: defaultHeartbeat,
		log:       logger.Component("sse"),
	}
}

// RegisterRoutes 注册事件流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/widgets/{widgetID}/events", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widgetID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, cancel := h.hub.Subscribe(widgetID)
	defer cancel()

	ctx := r.Context()
	snapshot, err := h.chatSvc.Snapshot(ctx, widgetID)
	if err != nil {
		if errors.Is(err, chatService.ErrWidgetNotFound) {
			utils.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, EventSnapshot, snapshot); err != nil {
		return
	}

	h.log.Debug().Str("widget", widgetID).Msg("stream opened")
	defer h.log.Debug().Str("widget", widgetID).Msg("stream closed")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				// widget closed
				return
			}
			if err := utils.SendSSEEvent(w, flusher, evt.Type, evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
