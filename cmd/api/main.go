package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/hookchat/internal/config"
	"github.com/zhouzirui/hookchat/internal/handler"
	"github.com/zhouzirui/hookchat/internal/logger"
	"github.com/zhouzirui/hookchat/internal/model/profile"
	"github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/internal/service/events"
	"github.com/zhouzirui/hookchat/internal/service/imageload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Setup(cfg.Log)

	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	assistant, err := profile.Load(cfg.Profile.File)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load assistant profile")
	}

	replier, err := chat.NewReplier(ctx, cfg, assistant)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize reply backend")
	}
	log.Info().
		Str("backend", string(cfg.Chat.Backend)).
		Str("webhook", cfg.Chat.Endpoint()).
		Msg("reply backend ready")

	hub := events.NewHub()
	loader := imageload.NewLoader(cfg.Image)
	chatService := chat.NewService(replier, loader, hub, chat.Options{
		DiscardStaleReplies: cfg.Chat.DiscardStaleReplies,
		NoticeTimeout:       cfg.Chat.NoticeTimeout,
		IdleTTL:             cfg.Chat.WidgetIdleTTL,
	})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		chatService.Run(ctx)
	}()

	router := handler.NewRouter(cfg.Server, assistant, chatService, hub)

	startServer(ctx, cfg.Server, router)

	stop()
	<-sweeperDone
	loader.Wait()
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("hookchat listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
