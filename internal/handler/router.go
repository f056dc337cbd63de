package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/hookchat/internal/config"
	"github.com/zhouzirui/hookchat/internal/handler/chat"
	"github.com/zhouzirui/hookchat/internal/handler/page"
	profileHandler "github.com/zhouzirui/hookchat/internal/handler/profile"
	"github.com/zhouzirui/hookchat/internal/handler/realtime"
	"github.com/zhouzirui/hookchat/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/hookchat/internal/middleware"
	"github.com/zhouzirui/hookchat/internal/model/profile"
	chatService "github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/internal/service/events"
)

const apiBase = "/api"

// NewRouter wires HTTP routes to core services.
func NewRouter(serverCfg config.ServerConfig, p profile.Profile, chatSvc *chatService.Service, hub *events.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.AllowOrigins(serverCfg.AllowedOrigins))

	page.New(p, apiBase).RegisterRoutes(r)

	r.Route(apiBase, func(api chi.Router) {
		profileHandler.New(p).RegisterRoutes(api)
		chat.New(chatSvc).RegisterRoutes(api)

		// Server push: SSE for the page, WebSocket for two-way clients
		stream.New(chatSvc, hub).RegisterRoutes(api)
		realtime.NewWebSocketHandler(chatSvc, hub).RegisterRoutes(api)
	})

	return r
}
