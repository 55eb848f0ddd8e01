package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notify_bot/internal/apperr"
	"notify_bot/internal/model"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Notify Bot!

This console shows what the notifier tracks and lets you poke it.

Quick start:
1. /sources — list tracked pages
2. /subs — list upload subscriptions
3. /check <id> — poll a page now

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Pages:
/sources — list tracked pages
/info <id> — page details and filters
/check <id> — poll a page now

Uploads:
/subs — subscription states
/resubscribe <channel_id> — renew a subscription now

Delivery:
/destinations — resolved announcement targets`)
}

func (b *Bot) handleSources(chatID int64) {
	if b.svc.Sources == nil {
		b.reply(chatID, msgPagesDisabled)
		return
	}

	sources := b.svc.Sources.Sources()
	msg := tgbotapi.NewMessage(chatID, FormatSourceList(sources))
	msg.DisableWebPagePreview = true
	if len(sources) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(sources))
		for _, s := range sources {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Info "+sourceLabel(s), cmdInfo+":"+s.ID),
				tgbotapi.NewInlineKeyboardButtonData("Check", cmdCheck+":"+s.ID),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send source list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) findSource(id string) (model.Source, bool) {
	for _, s := range b.svc.Sources.Sources() {
		if s.ID == id {
			return s, true
		}
	}
	return model.Source{}, false
}

func (b *Bot) handleInfo(ctx context.Context, chatID int64, args string) {
	if b.svc.Sources == nil {
		b.reply(chatID, msgPagesDisabled)
		return
	}
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /info <id>")
		return
	}

	src, ok := b.findSource(id)
	if !ok {
		b.reply(chatID, fmt.Sprintf("Page %s not found.", id))
		return
	}
	b.reply(chatID, strings.TrimRight(FormatSourceInfo(src), "\n")+"\n\n"+b.lastSavedLine(ctx))
}

func (b *Bot) lastSavedLine(ctx context.Context) string {
	saved, err := b.svc.Sources.LastSaved(ctx)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "Last saved: never"
	case err != nil:
		b.log.Warn("read checkpoint time", "error", err)
		return "Last saved: unknown"
	}
	return "Last saved: " + saved.UTC().Format(timeLayout)
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	if b.svc.Sources == nil {
		b.reply(chatID, msgPagesDisabled)
		return
	}
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /check <id>")
		return
	}

	err = b.svc.Sources.PollSource(ctx, id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("Page %s not found.", id))
		return
	case err != nil:
		b.log.Error("check page", "page_id", id, "error", err)
		b.reply(chatID, fmt.Sprintf("Check failed: %v", err))
		return
	}

	src, _ := b.findSource(id)
	b.reply(chatID, fmt.Sprintf("Checked %s. Latest post: %s.", sourceLabel(src), idOrNone(src.LatestPost)))
}

func (b *Bot) handleSubs(chatID int64) {
	if b.svc.Subscriptions == nil {
		b.reply(chatID, "Upload subscriptions are disabled.")
		return
	}
	b.reply(chatID, FormatSubscriptions(b.svc.Subscriptions.Snapshot(), time.Now()))
}

func (b *Bot) handleResubscribe(ctx context.Context, chatID int64, args string) {
	if b.svc.Subscriptions == nil {
		b.reply(chatID, "Upload subscriptions are disabled.")
		return
	}
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /resubscribe <channel_id>")
		return
	}

	if err := b.svc.Subscriptions.Resubscribe(ctx, id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Channel %s is not configured.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Subscription request for %s sent. The hub will verify it shortly.", id))
}

func (b *Bot) handleDestinations(chatID int64) {
	if b.svc.Destinations == nil {
		b.reply(chatID, "No announcement router is running.")
		return
	}
	b.reply(chatID, FormatDestinations(b.svc.Destinations.Destinations()))
}
