package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier defines the interface for a Telegram notifier.
type Notifier interface {
	// SendMessage delivers text to a chat and returns the acknowledged
	// message id. Delivery is successful only if an id comes back.
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
}

// client is an implementation of Notifier.
type client struct {
	bot *tgbotapi.BotAPI
}

// NewClient creates a new Telegram notifier client.
func NewClient(botToken string) (Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	return &client{bot: bot}, nil
}

// SendMessage sends a plain-text message to the given Telegram chat.
func (c *client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}
