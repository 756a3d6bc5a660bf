package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig holds credentials for the Telegram sink. Token must never
// be logged.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// TelegramSink delivers notifications to a Telegram chat. Send-only: no
// poller is started, the bot client is used purely as an HTTP sender.
type TelegramSink struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chatID: cfg.ChatID}, nil
}

func (s *TelegramSink) Send(_ context.Context, n Notification) error {
	chat := &tele.Chat{ID: s.chatID}
	_, err := s.bot.Send(chat, formatMessage(n), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func formatMessage(n Notification) string {
	prefix := "ℹ️"
	switch {
	case n.Severity >= 9:
		prefix = "🚨"
	case n.Severity >= 7:
		prefix = "⚠️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", prefix, strings.ToUpper(string(n.Kind)), n.Subject)
	if n.TaskID != "" {
		fmt.Fprintf(&b, "\ntask: %s", n.TaskID)
	}
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	return b.String()
}
