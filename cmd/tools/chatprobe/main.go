package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/hookchat/internal/config"
	"github.com/zhouzirui/hookchat/internal/logger"
	model "github.com/zhouzirui/hookchat/internal/model/chat"
	"github.com/zhouzirui/hookchat/internal/model/profile"
	"github.com/zhouzirui/hookchat/internal/render"
	"github.com/zhouzirui/hookchat/internal/service/chat"
)

type probeOptions struct {
	session string
	url     string
	backend string
	timeout time.Duration
	rawOnly bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "chatprobe [message]",
		Short: "Send one message to the chat backend and show how the widget would render it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts, strings.Join(args, " "))
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.session, "session", "", "session id (random when empty)")
	flags.StringVar(&opts.url, "url", "", "webhook URL, overrides CHAT_WEBHOOK_URL")
	flags.StringVar(&opts.backend, "backend", "", "reply backend: webhook or ark, overrides CHAT_BACKEND")
	flags.DurationVar(&opts.timeout, "timeout", 0, "request timeout, overrides CHAT_REQUEST_TIMEOUT")
	flags.BoolVar(&opts.rawOnly, "raw", false, "print only the raw reply")
	return cmd
}

func runProbe(cmd *cobra.Command, opts *probeOptions, message string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Setup(cfg.Log)

	if opts.url != "" {
		cfg.Chat.WebhookURL = opts.url
	}
	if opts.backend != "" {
		cfg.Chat.Backend = config.Backend(opts.backend)
	}
	if opts.timeout > 0 {
		cfg.Chat.RequestTimeout = opts.timeout
	}

	assistant, err := profile.Load(cfg.Profile.File)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	replier, err := chat.NewReplier(ctx, cfg, assistant)
	if err != nil {
		return err
	}

	sessionID := opts.session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	started := time.Now()
	reply, err := replier.Reply(ctx, model.ReplyRequest{SessionID: sessionID, Input: message})
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("request failed")
		return err
	}
	log.Info().
		Str("session", sessionID).
		Str("backend", string(cfg.Chat.Backend)).
		Dur("elapsed", time.Since(started)).
		Msg("reply received")

	out := cmd.OutOrStdout()
	if opts.rawOnly {
		fmt.Fprintln(out, reply)
		return nil
	}

	result := render.Render(reply)
	fmt.Fprintf(out, "session: %s\n\n", sessionID)
	fmt.Fprintf(out, "raw:\n%s\n\n", reply)
	fmt.Fprintf(out, "html:\n%s\n", result.HTML)
	if len(result.Images) > 0 {
		fmt.Fprintln(out, "\nimages:")
		for _, img := range result.Images {
			fmt.Fprintf(out, "  %s  %s  (%s)\n", img.ID, img.URL, img.Alt)
		}
	}
	return nil
}
