package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notify_bot/internal/apperr"
	"notify_bot/internal/model"
	"notify_bot/internal/router"
)

// Platform announces to Telegram chats configured by name.
type Platform struct {
	api   API
	chats map[string]int64
	log   *slog.Logger
}

// NewPlatform creates a Platform. Chat names match case-insensitively.
func NewPlatform(api API, chats map[string]int64, log *slog.Logger) *Platform {
	folded := make(map[string]int64, len(chats))
	for name, id := range chats {
		folded[strings.ToLower(name)] = id
	}
	return &Platform{api: api, chats: folded, log: log.With("component", "telegram")}
}

// Resolve looks up a configured chat by name.
func (p *Platform) Resolve(_ context.Context, name string) (router.Destination, error) {
	id, ok := p.chats[strings.ToLower(name)]
	if !ok {
		return router.Destination{}, fmt.Errorf("%w: telegram chat %q", apperr.ErrNotFound, name)
	}
	return router.Destination{Name: name, ID: strconv.FormatInt(id, 10), Label: "telegram:" + name}, nil
}

// Send posts msg to the chat as plain text.
func (p *Platform) Send(_ context.Context, dst router.Destination, msg model.Message) error {
	chatID, err := strconv.ParseInt(dst.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: chat id %q: %w", apperr.ErrValidation, dst.ID, err)
	}
	out := tgbotapi.NewMessage(chatID, FormatMessage(msg))
	if _, err := p.api.Send(out); err != nil {
		return fmt.Errorf("%w: send to %s: %w", apperr.ErrTransport, dst.Label, err)
	}
	return nil
}
