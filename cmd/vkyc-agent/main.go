package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vkyc/internal/adapters/rtc"
	"github.com/dkeye/vkyc/internal/adapters/stompws"
	"github.com/dkeye/vkyc/internal/call"
	"github.com/dkeye/vkyc/internal/config"
	"github.com/dkeye/vkyc/internal/core"
	"github.com/dkeye/vkyc/internal/rest"
	sig "github.com/dkeye/vkyc/internal/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	backend := rest.NewClient(cfg.ServerBaseURL, cfg.AuthToken)
	manager := sig.NewChannelManager(stompws.New)
	coordinator := call.NewCoordinator(rtc.New)

	meeting, err := backend.CreateMeeting(ctx, rest.CreateMeetingRequest{
		ApplicationID: cfg.AppID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create meeting")
	}
	log.Info().Int64("meeting", meeting.ID).Str("channel", meeting.Channel).Msg("meeting created")

	sessionKey := cfg.SessionKey
	if sessionKey == "" {
		sessionKey = meeting.SessionKey
	}
	if err := manager.Initialize(cfg.ServerBaseURL, sessionKey, cfg.AuthToken); err != nil {
		log.Fatal().Err(err).Msg("channel manager initialize")
	}

	if code := coordinator.Initialize(cfg.AppID); code != 0 {
		log.Fatal().Int("code", code).Msg("engine initialize")
	}
	coordinator.RegisterEventHandler(&core.EngineEventHandler{
		OnJoinSuccess: func(channel string, uid uint32) {
			// Confirm the live call to the backend, then start the
			// application-level liveness pings.
			if err := backend.HookCall(ctx, meeting.ID); err != nil {
				log.Error().Err(err).Msg("hook call")
				return
			}
			if err := manager.StartHealthCheck(); err != nil {
				log.Error().Err(err).Msg("start health check")
			}
		},
		OnError: func(code int, msg string) {
			log.Error().Int("code", code).Str("msg", msg).Msg("engine error")
		},
	})

	err = manager.RegisterEventHandler(core.TransportHandlers{
		OnConnect: func() {
			if _, err := manager.SubscribeSessionNotifyTopic(onNotify); err != nil {
				log.Error().Err(err).Msg("subscribe session notify")
			}
			if _, err := manager.SubscribeSocketNotifyTopic(onNotify); err != nil {
				log.Error().Err(err).Msg("subscribe socket notify")
			}
			if _, err := manager.SubscribeSocketHealthTopic(onNotify); err != nil {
				log.Error().Err(err).Msg("subscribe socket health")
			}
			if _, err := manager.SubscribeAppLiveTopic(onNotify); err != nil {
				log.Error().Err(err).Msg("subscribe app live")
			}
			if err := coordinator.JoinChannel(cfg.AuthToken, meeting.Channel, 0, core.ChannelOptions{}); err != nil {
				log.Error().Err(err).Msg("join channel")
			}
		},
		OnProtocolError: func(body string) {
			log.Error().Str("body", body).Msg("signaling protocol error")
		},
		OnDisconnect: func() {
			manager.ClearHealthCheck()
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("register channel handlers")
	}

	device := map[string]string{
		"platform": "linux",
		"agent":    "vkyc-agent",
	}
	if err := manager.Connect(ctx, device); err != nil {
		log.Fatal().Err(err).Msg("channel connect")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := coordinator.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("call cleanup")
	}
	if err := manager.Cleanup(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("channel cleanup")
	}
	if err := backend.CloseMeeting(shutdownCtx, meeting.ID, "agent shutdown"); err != nil {
		log.Warn().Err(err).Msg("close meeting")
	}
	log.Info().Msg("exited gracefully")
}

func onNotify(msg core.Message) {
	log.Info().Str("topic", msg.Destination).Str("body", string(msg.Body)).Msg("notify")
}
