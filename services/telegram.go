package services

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// degradedAlertCooldown bounds how often the same degradation reason pages
// the operator.
const degradedAlertCooldown = 5 * time.Minute

// TelegramNotifier sends operator-facing notifications: transport degradation
// warnings and end-of-session summaries.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time // per-reason rate limit
}

func NewTelegramNotifier(cfg *config.Config, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	tn := &TelegramNotifier{
		bot:            bot,
		chatID:         chatID,
		logger:         logger,
		lastAlertTimes: make(map[string]time.Time),
	}

	if err := tn.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))
	return tn, nil
}

// testConnection tests Telegram connection with retry logic
func (tn *TelegramNotifier) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err := tn.bot.GetMe()
		if err == nil {
			return nil
		}

		tn.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// NotifyDegraded reports a degraded-but-functional transport condition. The
// same reason is rate limited so a flapping device cannot flood the chat.
func (tn *TelegramNotifier) NotifyDegraded(sessionID, reason string) error {
	tn.mu.Lock()
	last, seen := tn.lastAlertTimes[reason]
	if seen && time.Since(last) < degradedAlertCooldown {
		tn.mu.Unlock()
		return nil
	}
	tn.lastAlertTimes[reason] = time.Now()
	tn.mu.Unlock()

	text := fmt.Sprintf("⚠️ <b>Telemetry degraded</b>\n\nSession: <code>%s</code>\nReason: %s\n\nThe session continues on fallback polling.",
		sessionID, reason)

	msg := tgbotapi.NewMessage(tn.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := tn.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send degraded alert: %w", err)
	}

	tn.logger.Info("Degraded alert sent",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return nil
}

// NotifySessionComplete sends an end-of-session summary.
func (tn *TelegramNotifier) NotifySessionComplete(record *models.SessionHistoryRecord) error {
	text := fmt.Sprintf("🎯 <b>Session complete</b>\n\nSession: <code>%s</code>\nDuration: %s\nTotal hits: %d\nTarget switches: %d\n",
		record.SessionID,
		record.Duration.Round(time.Second),
		record.TotalHits,
		record.SwitchCount)

	for _, d := range record.Devices {
		text += fmt.Sprintf("\n<b>%s</b>: %d hits", d.DisplayName, d.HitCount)
		if d.AverageInterval > 0 {
			text += fmt.Sprintf(" (avg %s)", d.AverageInterval.Round(10*time.Millisecond))
		}
	}
	if record.MultiTarget {
		text += fmt.Sprintf("\n\nRounds completed: %d", len(record.RoundCompletions))
	}

	msg := tgbotapi.NewMessage(tn.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := tn.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send session summary: %w", err)
	}

	tn.logger.Info("Session summary sent",
		zap.String("session_id", record.SessionID))
	return nil
}
