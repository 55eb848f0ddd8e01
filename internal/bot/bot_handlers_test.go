package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"notify_bot/internal/apperr"
	"notify_bot/internal/config"
	"notify_bot/internal/model"
	"notify_bot/internal/router"
	"notify_bot/internal/websub"
)

// --- mocks ---

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu      sync.Mutex
	sent    []sentMsg
	markups []any
	acks    int
	err     error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg := c.(type) {
	case tgbotapi.MessageConfig:
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.markups = append(m.markups, msg.ReplyMarkup)
	case tgbotapi.CallbackConfig:
		m.acks++
	}
	return tgbotapi.Message{}, m.err
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Text
}

func (m *mockAPI) allTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Text
	}
	return out
}

func (m *mockAPI) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.markups = nil
	m.acks = 0
}

type fakeSources struct {
	mu      sync.Mutex
	sources []model.Source
	polled  []string
	pollErr error
	saved   time.Time
}

func (f *fakeSources) LastSaved(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved.IsZero() {
		return time.Time{}, apperr.ErrNotFound
	}
	return f.saved, nil
}

func (f *fakeSources) Sources() []model.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Source(nil), f.sources...)
}

func (f *fakeSources) PollSource(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, id)
	if f.pollErr != nil {
		return f.pollErr
	}
	for i := range f.sources {
		if f.sources[i].ID == id {
			f.sources[i].LatestPost = ptrID("30")
			return nil
		}
	}
	return fmt.Errorf("%w: page %s", apperr.ErrNotFound, id)
}

type fakeSubscriptions struct {
	mu          sync.Mutex
	statuses    []websub.Status
	resubscribe []string
	err         error
}

func (f *fakeSubscriptions) Snapshot() []websub.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

func (f *fakeSubscriptions) Resubscribe(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, s := range f.statuses {
		if s.ChannelID == id {
			f.resubscribe = append(f.resubscribe, id)
			return nil
		}
	}
	return fmt.Errorf("%w: channel %s", apperr.ErrNotFound, id)
}

type fakeDestinations []router.Destination

func (f fakeDestinations) Destinations() []router.Destination { return f }

// --- helpers ---

const testChatID int64 = 42

func newTestBot(t *testing.T, cfg *config.Config, svc Services) (*Bot, *mockAPI) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	api := &mockAPI{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(api, cfg, svc, log), api
}

func testServices() (Services, *fakeSources, *fakeSubscriptions) {
	src := &fakeSources{sources: []model.Source{
		{ID: "1001", Name: "Galaxy", Channels: model.Channels{Posts: []string{"Galaxy/news"}}},
		{ID: "2002"},
	}}
	subs := &fakeSubscriptions{statuses: []websub.Status{
		{ChannelID: "UC123", State: websub.Active, Destinations: []string{"Galaxy/news"}},
	}}
	dests := fakeDestinations{{Name: "Galaxy/news", ID: "111", Label: "#news"}}
	return Services{Sources: src, Subscriptions: subs, Destinations: dests}, src, subs
}

func commandUpdate(userID int64, text string) tgbotapi.Update {
	cmd, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		From:     &tgbotapi.User{ID: userID, UserName: "operator"},
		Chat:     &tgbotapi.Chat{ID: testChatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func callbackUpdate(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: testChatID}},
		Data:    data,
	}}
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("expected message to contain %q, got:\n%s", want, got)
	}
}

// --- tests ---

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "start", text: "/start", want: "Welcome to Notify Bot!"},
		{name: "help", text: "/help", want: "/resubscribe <channel_id>"},
		{name: "sources", text: "/sources", want: "Galaxy  (1001)"},
		{name: "info", text: "/info 1001", want: "Posts: Galaxy/news"},
		{name: "info usage", text: "/info", want: "Usage: /info <id>"},
		{name: "info unknown", text: "/info 404", want: "Page 404 not found."},
		{name: "check", text: "/check 1001", want: "Checked Galaxy. Latest post: 30."},
		{name: "check usage", text: "/check", want: "Usage: /check <id>"},
		{name: "check unknown", text: "/check 404", want: "Page 404 not found."},
		{name: "subs", text: "/subs", want: "UC123 [active]"},
		{name: "resubscribe", text: "/resubscribe UC123", want: "Subscription request for UC123 sent."},
		{name: "resubscribe unknown", text: "/resubscribe UCx", want: "Channel UCx is not configured."},
		{name: "resubscribe usage", text: "/resubscribe", want: "Usage: /resubscribe <channel_id>"},
		{name: "destinations", text: "/destinations", want: "Galaxy/news -> #news"},
		{name: "unknown", text: "/frobnicate", want: "Unknown command."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := testServices()
			b, api := newTestBot(t, nil, svc)

			b.handleUpdate(context.Background(), commandUpdate(1, tt.text))

			texts := api.allTexts()
			if len(texts) != 1 {
				t.Fatalf("got %d replies, want 1: %v", len(texts), texts)
			}
			requireContains(t, texts[0], tt.want)
		})
	}
}

func TestSourcesKeyboard(t *testing.T) {
	svc, _, _ := testServices()
	b, api := newTestBot(t, nil, svc)

	b.handleUpdate(context.Background(), commandUpdate(1, "/sources"))

	if len(api.markups) != 1 {
		t.Fatalf("got %d messages, want 1", len(api.markups))
	}
	markup, ok := api.markups[0].(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("reply markup = %T, want InlineKeyboardMarkup", api.markups[0])
	}

	var got []string
	for _, row := range markup.InlineKeyboard {
		for _, btn := range row {
			got = append(got, *btn.CallbackData)
		}
	}
	want := []string{"info:1001", "check:1001", "info:2002", "check:2002"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("callback data mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoShowsLastSaved(t *testing.T) {
	svc, src, _ := testServices()
	b, api := newTestBot(t, nil, svc)

	b.handleUpdate(context.Background(), commandUpdate(1, "/info 1001"))
	requireContains(t, api.lastText(), "Last saved: never")

	src.saved = time.Date(2017, 3, 1, 12, 0, 0, 0, time.UTC)
	b.handleUpdate(context.Background(), commandUpdate(1, "/info 1001"))
	requireContains(t, api.lastText(), "Last saved: 2017-03-01 12:00 UTC")
}

func TestCheckFailure(t *testing.T) {
	svc, src, _ := testServices()
	src.pollErr = fmt.Errorf("%w: graph down", apperr.ErrTransport)
	b, api := newTestBot(t, nil, svc)

	b.handleUpdate(context.Background(), commandUpdate(1, "/check 1001"))

	requireContains(t, api.lastText(), "Check failed:")
	requireContains(t, api.lastText(), "graph down")
	if diff := cmp.Diff([]string{"1001"}, src.polled); diff != "" {
		t.Errorf("polled mismatch (-want +got):\n%s", diff)
	}
}

func TestResubscribeError(t *testing.T) {
	svc, _, subs := testServices()
	subs.err = errors.New("hub unreachable")
	b, api := newTestBot(t, nil, svc)

	b.handleUpdate(context.Background(), commandUpdate(1, "/resubscribe UC123"))

	requireContains(t, api.lastText(), "Error: hub unreachable")
}

func TestDisabledServices(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{text: "/sources", want: msgPagesDisabled},
		{text: "/info 1001", want: msgPagesDisabled},
		{text: "/check 1001", want: msgPagesDisabled},
		{text: "/subs", want: "Upload subscriptions are disabled."},
		{text: "/resubscribe UC123", want: "Upload subscriptions are disabled."},
		{text: "/destinations", want: "No announcement router is running."},
	}

	b, api := newTestBot(t, nil, Services{})
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			api.reset()
			b.handleUpdate(context.Background(), commandUpdate(1, tt.text))
			if diff := cmp.Diff(tt.want, api.lastText()); diff != "" {
				t.Errorf("reply mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAccessControl(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{AllowedUsers: []int64{7}}}
	svc, src, _ := testServices()
	b, api := newTestBot(t, cfg, svc)

	t.Run("denied command", func(t *testing.T) {
		api.reset()
		b.handleUpdate(context.Background(), commandUpdate(8, "/sources"))
		if diff := cmp.Diff([]string{"Access denied."}, api.allTexts()); diff != "" {
			t.Errorf("replies mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("denied callback is ignored", func(t *testing.T) {
		api.reset()
		b.handleUpdate(context.Background(), callbackUpdate(8, "check:1001"))
		if len(api.allTexts()) != 0 || api.acks != 0 {
			t.Errorf("expected no output, got texts=%v acks=%d", api.allTexts(), api.acks)
		}
		if len(src.polled) != 0 {
			t.Errorf("expected no poll, got %v", src.polled)
		}
	})

	t.Run("allowed user", func(t *testing.T) {
		api.reset()
		b.handleUpdate(context.Background(), commandUpdate(7, "/start"))
		requireContains(t, api.lastText(), "Welcome to Notify Bot!")
	})

	t.Run("plain text ignored", func(t *testing.T) {
		api.reset()
		b.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
			Text: "hello",
			From: &tgbotapi.User{ID: 7},
			Chat: &tgbotapi.Chat{ID: testChatID},
		}})
		if len(api.allTexts()) != 0 {
			t.Errorf("expected no reply, got %v", api.allTexts())
		}
	})
}

func TestCallbacks(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "info", data: "info:1001", want: "Galaxy (1001)"},
		{name: "check", data: "check:2002", want: "Checked 2002. Latest post: 30."},
		{name: "resubscribe", data: "resubscribe:UC123", want: "Subscription request for UC123 sent."},
		{name: "malformed", data: "info", want: ""},
		{name: "unknown action", data: "delete:1001", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := testServices()
			b, api := newTestBot(t, nil, svc)

			b.handleUpdate(context.Background(), callbackUpdate(1, tt.data))

			if api.acks != 1 {
				t.Errorf("acks = %d, want 1", api.acks)
			}
			if tt.want == "" {
				if len(api.allTexts()) != 0 {
					t.Errorf("expected no reply, got %v", api.allTexts())
				}
				return
			}
			requireContains(t, api.lastText(), tt.want)
		})
	}
}

func TestPlatformResolve(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPlatform(&mockAPI{}, map[string]int64{"Ops": -100123}, log)

	got, err := p.Resolve(context.Background(), "ops")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := router.Destination{Name: "ops", ID: "-100123", Label: "telegram:ops"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}

	if _, err := p.Resolve(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPlatformSend(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := &mockAPI{}
	p := NewPlatform(api, map[string]int64{"ops": -100123}, log)
	dst := router.Destination{Name: "ops", ID: "-100123", Label: "telegram:ops"}

	if err := p.Send(context.Background(), dst, model.Message{Content: "**New post:**"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	want := []sentMsg{{ChatID: -100123, Text: "New post:"}}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	api.err = errors.New("chat not found")
	if err := p.Send(context.Background(), dst, model.Message{Content: "x"}); !errors.Is(err, apperr.ErrTransport) {
		t.Errorf("Send() error = %v, want ErrTransport", err)
	}

	bad := router.Destination{Name: "ops", ID: "abc"}
	if err := p.Send(context.Background(), bad, model.Message{Content: "x"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Send() error = %v, want ErrValidation", err)
	}
}
