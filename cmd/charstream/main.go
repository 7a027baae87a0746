package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"
	"charstream/internal/core/services"
	"charstream/internal/infrastructure/api"
	"charstream/internal/infrastructure/control"
	"charstream/internal/infrastructure/media"
	"charstream/internal/infrastructure/monitoring"
	"charstream/internal/infrastructure/repositories"
	webrtcinfra "charstream/internal/infrastructure/webrtc"
	"charstream/pkg/circuitbreaker"
	"charstream/pkg/config"
	"charstream/pkg/logger"
	"charstream/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	characterID := flag.String("character", "", "character to start a session with")
	flag.Parse()

	// Try multiple config paths when none is given explicitly
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/charstream/config.yaml",
		"config.yaml",
	}
	if *configPath != "" {
		configPaths = []string{*configPath}
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	if cfg.Logging.Format == "console" {
		zapLogger = logger.NewConsole(cfg.Logging.Level)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *characterID == "" {
		log.Fatal("usage: charstream -character <id> [-config <path>]")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	storeFactory := repositories.NewStoreFactory(cfg, log)
	store, err := storeFactory.CreateSessionStore()
	if err != nil {
		log.Fatalw("failed to create session store", "error", err)
	}
	defer storeFactory.Close()

	metrics := monitoring.NewPrometheusCollector()

	apiClient := api.NewClient(api.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		RequestTimeout: cfg.API.RequestTimeout,
		RatePerSecond:  cfg.API.RatePerSecond,
		RateBurst:      cfg.API.RateBurst,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Queue.MaxPollFailures,
			SuccessThreshold: 1,
			Cooldown:         cfg.Queue.BreakerCooldown,
		},
	}, zapLogger)

	source, err := media.NewDeviceSource()
	if err != nil {
		log.Fatalw("failed to initialize capture devices", "error", err)
	}
	acquirer := media.NewAcquirer(source, zapLogger)

	constraints := ports.MediaConstraints{
		Video:     cfg.Media.Video,
		Audio:     cfg.Media.Audio,
		Width:     cfg.Media.Width,
		Height:    cfg.Media.Height,
		FrameRate: cfg.Media.FrameRate,
	}

	peerCfg := webrtcinfra.SessionConfig{
		STUNServers:   cfg.WebRTC.STUNServers,
		GatherTimeout: cfg.WebRTC.ICEGatherTimeout,
		PLIInterval:   cfg.WebRTC.PLIInterval,
	}

	publish := webrtcinfra.NewWhipPublishSession(peerCfg, acquirer, constraints, metrics, zapLogger)
	playback := webrtcinfra.NewWhepPlaybackSession(peerCfg, metrics, zapLogger)
	if cfg.Playback.Sink == "file" {
		playback.BindSink(webrtcinfra.NewFileSink(cfg.Playback.VideoOut, cfg.Playback.AudioOut, zapLogger))
	}

	admission := services.NewAdmissionQueueService(apiClient, services.QueueConfig{
		PollInterval:      cfg.Queue.PollInterval,
		MaxPollFailures:   cfg.Queue.MaxPollFailures,
		HeartbeatLowWater: cfg.Queue.HeartbeatLowWater,
	}, metrics, zapLogger)

	session := services.NewSessionService(
		admission, publish, playback, acquirer, apiClient, store,
		services.SessionConfig{
			WhipURL:      cfg.WebRTC.WhipURL,
			WhepURL:      cfg.WebRTC.WhepURL,
			Constraints:  constraints,
			GrantTimeout: 5 * time.Minute,
		},
		metrics, zapLogger,
	)

	var controlSrv *control.Server
	if cfg.Control.Enabled {
		controlSrv = control.NewServer(session, admission, storeFactory.HealthCheck, zapLogger)
		controlSrv.Start(cfg.Control.Address)
		session.OnStatusChange(controlSrv.NotifyStatus)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	startErr := make(chan error, 1)
	go func() {
		ctx := logger.WithClientID(context.Background(), apiClient.ClientID())
		startErr <- session.Start(ctx, domain.CharacterID(*characterID))
	}()

	select {
	case err := <-startErr:
		if err != nil {
			log.Errorw("session start failed", "error", err)
		} else {
			log.Infow("session running", "character_id", *characterID)
			sig := <-sigChan
			log.Infow("received shutdown signal", "signal", sig)
		}
	case sig := <-sigChan:
		log.Infow("received shutdown signal during start", "signal", sig)
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	session.Stop(shutdownCtx)

	if controlSrv != nil {
		if err := controlSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("control server shutdown failed", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("tracer shutdown failed", "error", err)
	}

	log.Info("stopped")
}
