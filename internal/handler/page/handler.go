package page

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/logger"
	"github.com/zhouzirui/hookchat/internal/model/profile"
	chatservice "github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/pkg/utils"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Data feeds the widget page template.
type Data struct {
	Profile      profile.Profile
	APIBase      string
	WarningAbove int
	DangerAbove  int
}

// Handler serves the widget page.
type Handler struct {
	data Data
	log  zerolog.Logger
}

// New 创建页面处理器
func New(p profile.Profile, apiBase string) *Handler {
	return &Handler{
		data: Data{
			Profile:      p,
			APIBase:      apiBase,
			WarningAbove: chatservice.CounterWarningAbove,
			DangerAbove:  chatservice.CounterDangerAbove,
		},
		log: logger.Component("page"),
	}
}

// RegisterRoutes 注册页面路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, h.data); err != nil {
		h.log.Error().Err(err).Msg("render index")
		utils.RespondError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
