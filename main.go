package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rangepulse/config"
	"rangepulse/log"
	"rangepulse/services"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Validate required configuration
	if cfg.FirebaseDbUrl == "" || cfg.FirebaseServiceAccountJSON == "" {
		logger.Fatal("Firebase configuration is required")
	}
	if cfg.MQTTBroker == "" {
		logger.Fatal("MQTT broker configuration is required")
	}

	// Initialize services
	store, err := services.NewFirebaseStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase store", zap.Error(err))
	}
	defer store.Close()

	transport, err := services.NewMQTTTransport(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize MQTT transport", zap.Error(err))
	}
	defer transport.Close()

	processor := services.NewStreamProcessor(transport, cfg, logger)
	manager := services.NewSessionManager(transport, store, store, processor, cfg, logger)

	// Optional history fan-out
	var publisher *services.HistoryPublisher
	if cfg.RabbitMQURL != "" {
		publisher, err = services.NewHistoryPublisher(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize history publisher", zap.Error(err))
		}
		manager.SetPublisher(publisher)
	}

	// Optional operator alerts
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifier, err := services.NewTelegramNotifier(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram notifier", zap.Error(err))
		}
		manager.SetNotifier(notifier)
	}

	// Background device-status refresh for the consuming surface
	poller := services.NewAdaptivePoller(transport, store, cfg, logger)
	if err := poller.Start(func() {
		logger.Debug("Poll cycle", zap.String("tier", string(poller.Tier())))
	}); err != nil {
		logger.Fatal("Failed to start adaptive poller", zap.Error(err))
	}

	logger.Info("Rangepulse session engine started",
		zap.String("broker", cfg.MQTTBroker),
		zap.Duration("active_interval", cfg.ActiveInterval),
		zap.Duration("standby_interval", cfg.StandbyInterval),
		zap.Duration("info_poll_interval", cfg.InfoPollInterval))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping services")

	// Channel to signal when cleanup is complete
	cleanupDone := make(chan bool, 1)
	go func() {
		poller.Stop()
		if sess := manager.Session(); sess != nil {
			logger.Warn("Live session at shutdown, finalizing",
				zap.String("session_id", sess.SessionID))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := manager.EndGame(ctx); err != nil {
				logger.Error("Failed to finalize session", zap.Error(err))
			}
			cancel()
		}
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				logger.Error("Error closing history publisher", zap.Error(err))
			}
		}
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
		logger.Info("Cleanup completed successfully")
	case <-time.After(10 * time.Second):
		logger.Warn("Cleanup timeout, forcing exit")
	}

	logger.Info("Rangepulse session engine stopped")
}
