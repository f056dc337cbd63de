package profile

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/hookchat/internal/model/profile"
	"github.com/zhouzirui/hookchat/pkg/utils"
)

// Handler 助手资料的HTTP处理器
type Handler struct {
	profile profile.Profile
}

// New 创建资料处理器
func New(p profile.Profile) *Handler {
	return &Handler{profile: p}
}

// RegisterRoutes 注册资料相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/profile", h.handleGetProfile)
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.profile)
}
