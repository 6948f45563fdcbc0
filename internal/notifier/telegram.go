package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"guardian/internal/models"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends escalation notices through a Telegram bot. The
// contact address is the numeric chat id of the trusted contact.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	sender telegramSender
	logger *zap.Logger
}

// NewTelegramNotifier authorizes the bot. An empty token disables it and
// returns nil, nil.
func NewTelegramNotifier(token string, logger *zap.Logger) (*TelegramNotifier, error) {
	if token == "" {
		logger.Info("Telegram notifier is disabled (notifier.telegram.token is empty)")
		return nil, nil
	}

	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", botAPI.Self.UserName))

	return &TelegramNotifier{api: botAPI, sender: botAPI, logger: logger}, nil
}

func (t *TelegramNotifier) Notify(_ context.Context, n models.Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.TrustedContact.Address), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: telegram chat id %q: %v", ErrPermanent, n.TrustedContact.Address, err)
	}

	text := fmt.Sprintf("⚠️ Safety alert\n\n%s", n.IncidentSummary)
	if n.TrustedContact.Name != "" {
		text = fmt.Sprintf("Hello, %s.\n\n%s", n.TrustedContact.Name, text)
	}

	if _, err := t.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("Failed to send escalation notice",
			zap.Int64("chat_id", chatID),
			zap.String("subject_id", n.SubjectID),
			zap.Error(err),
		)
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == 400 || apiErr.Code == 403) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}

// Start answers /start and /help so a trusted contact can find the chat id
// to register. It returns when ctx is cancelled.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	if t == nil || t.api == nil {
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)

	t.logger.Info("Telegram bot started, waiting for updates...")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Telegram bot shutting down...")
			t.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message != nil && update.Message.IsCommand() {
				t.handleCommand(update.Message)
			}
		}
	}
}

func (t *TelegramNotifier) handleCommand(message *tgbotapi.Message) {
	switch message.Command() {
	case "start", "help":
		text := "You will receive safety alerts here when a monitored account is blocked.\n\n" +
			"Register this chat id as the trusted contact address: " + strconv.FormatInt(message.Chat.ID, 10)
		if _, err := t.sender.Send(tgbotapi.NewMessage(message.Chat.ID, text)); err != nil {
			t.logger.Error("Failed to send message", zap.Int64("chat_id", message.Chat.ID), zap.Error(err))
		}
	}
}
