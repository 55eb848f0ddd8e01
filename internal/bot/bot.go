// Package bot is the Telegram side of the notifier: an operator console and a
// platform that announces to Telegram chats.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notify_bot/internal/config"
	"notify_bot/internal/model"
	"notify_bot/internal/router"
	"notify_bot/internal/websub"
)

// API is the part of the Telegram client the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sources is the page tracker as seen by the console.
type Sources interface {
	Sources() []model.Source
	PollSource(ctx context.Context, id string) error
	LastSaved(ctx context.Context) (time.Time, error)
}

// Subscriptions is the upload subscription manager as seen by the console.
type Subscriptions interface {
	Snapshot() []websub.Status
	Resubscribe(ctx context.Context, channelID string) error
}

// Destinations lists resolved announcement targets.
type Destinations interface {
	Destinations() []router.Destination
}

// Services are the components the console reports on. Any may be nil
// when its module is disabled.
type Services struct {
	Sources       Sources
	Subscriptions Subscriptions
	Destinations  Destinations
}

// Bot is the operator console.
type Bot struct {
	api API
	svc Services
	cfg *config.Config
	log *slog.Logger
}

// NewAPI connects to Telegram with the given bot token.
func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// New creates a console over an existing Telegram client.
func New(api API, cfg *config.Config, services Services, log *slog.Logger) *Bot {
	return &Bot{
		api: api,
		svc: services,
		cfg: cfg,
		log: log.With("component", "console"),
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
			return
		}
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	if !b.cfg.IsUserAllowed(update.Message.From.ID) {
		b.reply(update.Message.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, update.Message)
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdSources:
		b.handleSources(chatID)
	case cmdInfo:
		b.handleInfo(ctx, chatID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case "subs":
		b.handleSubs(chatID)
	case cmdResubscribe:
		b.handleResubscribe(ctx, chatID, args)
	case "destinations":
		b.handleDestinations(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
