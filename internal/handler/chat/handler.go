package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/pkg/utils"
)

// Handler 聊天控件的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/widgets", h.handleCreateWidget)
	r.Get("/widgets/{widgetID}", h.handleSnapshot)
	r.Delete("/widgets/{widgetID}", h.handleCloseWidget)
	r.Post("/widgets/{widgetID}/session", h.handleNewSession)
	r.Post("/widgets/{widgetID}/messages", h.handleSend)
	r.Post("/widgets/{widgetID}/draft", h.handleDraft)
	r.Delete("/widgets/{widgetID}/notice", h.handleDismissNotice)
}

type textPayload struct {
	Text string `json:"text"`
}

// handleCreateWidget 创建控件及其首个会话
func (h *Handler) handleCreateWidget(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.chatSvc.CreateWidget(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, snapshot)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.chatSvc.Snapshot(r.Context(), chi.URLParam(r, "widgetID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleCloseWidget(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.CloseWidget(r.Context(), chi.URLParam(r, "widgetID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNewSession 重置会话并清空消息
func (h *Handler) handleNewSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.NewSession(r.Context(), chi.URLParam(r, "widgetID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleSend 发送用户消息并等待回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The reply must still be appended if the browser drops the connection.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.chatSvc.Send(ctx, chi.URLParam(r, "widgetID"), payload.Text)
	if err != nil {
		if errors.Is(err, chatService.ErrRequestFailed) {
			utils.RespondJSON(w, http.StatusBadGateway, map[string]any{
				"error":  chatService.FailureNotice,
				"result": result,
			})
			return
		}
		respondServiceError(w, err)
		return
	}

	if !result.Accepted {
		utils.RespondJSON(w, http.StatusConflict, map[string]any{
			"error":  "a reply is still pending",
			"result": result,
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleDraft 计算字数与发送按钮状态
func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.chatSvc.Draft(r.Context(), chi.URLParam(r, "widgetID"), payload.Text)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, status)
}

func (h *Handler) handleDismissNotice(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DismissNotice(r.Context(), chi.URLParam(r, "widgetID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrWidgetNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrEmptyInput):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
