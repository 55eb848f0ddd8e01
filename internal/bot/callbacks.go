package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdSources     = "sources"
	cmdInfo        = "info"
	cmdCheck       = "check"
	cmdResubscribe = "resubscribe"
)

const msgPagesDisabled = "Page tracking is disabled."

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, id, ok := strings.Cut(cb.Data, ":")
	if !ok || id == "" {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdInfo:
		b.handleInfo(ctx, chatID, id)
	case cmdCheck:
		b.handleCheck(ctx, chatID, id)
	case cmdResubscribe:
		b.handleResubscribe(ctx, chatID, id)
	}
}
