// Package discord delivers announcements to Discord text channels.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"notify_bot/internal/apperr"
	"notify_bot/internal/model"
	"notify_bot/internal/router"
)

// Discord rejects embeds with a longer description.
const maxDescription = 4096

var errNotReady = errors.New("gateway not ready")

// Guild maps a guild's display name to its id and named channels.
type Guild struct {
	ID       string            `mapstructure:"guild_id"`
	Channels map[string]string `mapstructure:"channels"`
}

type session interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Platform resolves "Guild/channel" names and posts messages over a bot session.
type Platform struct {
	dg      *discordgo.Session
	session session
	guilds  map[string]Guild
	log     *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a Platform for a bot token. Call Open to connect.
func New(token string, guilds map[string]Guild, log *slog.Logger) (*Platform, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds

	p := newPlatform(dg, guilds, log)
	p.dg = dg
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		p.log.Info("connected", "user", r.User.Username, "guilds", len(r.Guilds))
		p.markReady()
	})
	return p, nil
}

// Guild and channel names match case-insensitively.
func newPlatform(s session, guilds map[string]Guild, log *slog.Logger) *Platform {
	folded := make(map[string]Guild, len(guilds))
	for name, g := range guilds {
		channels := make(map[string]string, len(g.Channels))
		for ch, id := range g.Channels {
			channels[strings.ToLower(ch)] = id
		}
		folded[strings.ToLower(name)] = Guild{ID: g.ID, Channels: channels}
	}
	return &Platform{
		session: s,
		guilds:  folded,
		log:     log.With("component", "discord"),
		ready:   make(chan struct{}),
	}
}

// Open connects to the gateway.
func (p *Platform) Open() error {
	if err := p.dg.Open(); err != nil {
		return fmt.Errorf("%w: open discord gateway: %w", apperr.ErrTransport, err)
	}
	return nil
}

// Close disconnects from the gateway.
func (p *Platform) Close() error {
	if p.dg == nil {
		return nil
	}
	return p.dg.Close()
}

// Ready is closed once the gateway session is established.
func (p *Platform) Ready() <-chan struct{} {
	return p.ready
}

func (p *Platform) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// SplitName splits "Guild/channel" at the last slash.
func SplitName(name string) (guild, channel string, err error) {
	i := strings.LastIndexByte(name, '/')
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("%w: destination %q is not Guild/channel", apperr.ErrValidation, name)
	}
	return name[:i], name[i+1:], nil
}

// Resolve maps a destination name to a text channel of the named guild.
func (p *Platform) Resolve(ctx context.Context, name string) (router.Destination, error) {
	select {
	case <-p.ready:
	default:
		return router.Destination{}, errNotReady
	}

	guildName, channelName, err := SplitName(name)
	if err != nil {
		return router.Destination{}, err
	}
	guild, ok := p.guilds[strings.ToLower(guildName)]
	if !ok {
		return router.Destination{}, fmt.Errorf("%w: guild %q", apperr.ErrNotFound, guildName)
	}
	channelID, ok := guild.Channels[strings.ToLower(channelName)]
	if !ok {
		return router.Destination{}, fmt.Errorf("%w: channel %q in guild %q", apperr.ErrNotFound, channelName, guildName)
	}

	ch, err := p.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return router.Destination{}, fmt.Errorf("%w: fetch channel %s: %w", apperr.ErrTransport, channelID, err)
	}
	if ch.GuildID != guild.ID {
		return router.Destination{}, fmt.Errorf("%w: channel %s belongs to guild %s, want %s", apperr.ErrValidation, channelID, ch.GuildID, guild.ID)
	}

	return router.Destination{Name: name, ID: ch.ID, Label: "#" + ch.Name}, nil
}

// Send posts a message to a resolved channel.
func (p *Platform) Send(ctx context.Context, dst router.Destination, msg model.Message) error {
	if _, err := p.session.ChannelMessageSendComplex(dst.ID, ToMessageSend(msg), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: send to %s: %w", apperr.ErrTransport, dst.Label, err)
	}
	return nil
}

// ToMessageSend converts a message to its Discord form.
func ToMessageSend(msg model.Message) *discordgo.MessageSend {
	out := &discordgo.MessageSend{Content: msg.Content}
	e := msg.Embed
	if e == nil {
		return out
	}

	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		URL:         e.URL,
		Description: truncate(e.Description, maxDescription),
	}
	if e.ImageURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if !e.Timestamp.IsZero() {
		embed.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	out.Embeds = []*discordgo.MessageEmbed{embed}
	return out
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
