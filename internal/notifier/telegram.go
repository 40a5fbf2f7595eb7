// Package notifier implements notification transports.
package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"liqwatch/config"
	"liqwatch/internal/dispatcher"
	"liqwatch/logger"
)

type chattableSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramTransport sends plain-text messages through the Bot API. Recipient
// ids are Telegram chat ids.
type TelegramTransport struct {
	bot chattableSender
	log *logger.Log
}

// NewTelegramTransport authenticates the bot token with getMe.
func NewTelegramTransport(cfg config.TelegramConfig) (*TelegramTransport, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: 15 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("telegram").WithFields(logger.Fields{"bot": bot.Self.UserName}).Info("telegram bot authorized")
	return &TelegramTransport{bot: bot, log: log}, nil
}

func (t *TelegramTransport) Deliver(ctx context.Context, recipientID string, msg dispatcher.Message) error {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", recipientID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := tgbotapi.NewMessage(chatID, msg.Text)
	out.DisableWebPagePreview = msg.DisableLinkPreview
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

var _ dispatcher.Transport = (*TelegramTransport)(nil)
