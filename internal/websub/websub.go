// Package websub keeps push subscriptions to video upload feeds alive and
// turns hub notifications into chat announcements.
//
// A subscription moves Unsubscribed -> PendingVerify on Subscribe, and
// PendingVerify -> Active when the hub verifies it. A renewal timer fires
// shortly before the lease ends and starts the cycle again.
package websub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notify_bot/internal/apperr"
	"notify_bot/internal/model"
	"notify_bot/internal/retry"
)

// Defaults of the upstream hub and feed.
const (
	DefaultHubURL       = "https://pubsubhubbub.appspot.com/subscribe"
	DefaultFeedURL      = "https://www.youtube.com/xml/feeds/videos.xml?channel_id="
	DefaultCallbackPath = "/yt/callback"
	DefaultMessage      = "New upload: https://youtu.be/%ID%"
	DefaultLease        = 432000 * time.Second
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Announcer delivers a message to logical destinations.
type Announcer interface {
	Announce(names []string, msg model.Message)
}

// State is the lifecycle state of a subscription.
type State int

// Subscription states.
const (
	Unsubscribed State = iota
	PendingVerify
	Active
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case PendingVerify:
		return "pending_verify"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures a Manager. Zero fields take defaults.
type Config struct {
	HubURL         string
	FeedURL        string
	CallbackURL    string // public URL the hub calls back, e.g. http://bot.example.com:8080/yt/callback
	RetryDelay     time.Duration
	RenewBefore    time.Duration
	DefaultLease   time.Duration
	RequestTimeout time.Duration
	DiagnosticsDir string // unparsable notification bodies are dumped here
}

func (c Config) withDefaults() Config {
	if c.HubURL == "" {
		c.HubURL = DefaultHubURL
	}
	if c.FeedURL == "" {
		c.FeedURL = DefaultFeedURL
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = 600 * time.Second
	}
	if c.DefaultLease <= 0 {
		c.DefaultLease = DefaultLease
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DiagnosticsDir == "" {
		c.DiagnosticsDir = "logs"
	}
	return c
}

// Channel is an upstream video channel and where its uploads are announced.
type Channel struct {
	ID           string
	Destinations []string
	Message      string // %ID% is replaced with the video id
}

// Status is a read-only view of one subscription.
type Status struct {
	ChannelID    string
	State        State
	ExpiresAt    time.Time
	LastVideoID  string
	Destinations []string
}

type subscription struct {
	channel   Channel
	state     State
	token     string
	expiresAt time.Time
	lastVideo string
	lapsed    bool
	renew     *time.Timer
	stopLoop  context.CancelFunc
}

// Manager owns all subscriptions and the hub callback endpoint.
type Manager struct {
	cfg       Config
	client    HTTPClient
	announcer Announcer
	log       *slog.Logger
	topicRe   *regexp.Regexp

	now      func() time.Time
	newToken func() string

	mu      sync.Mutex
	subs    map[string]*subscription
	runCtx  context.Context
	closed  bool
	uploads chan model.Upload
}

// New creates a Manager for the given channels.
func New(cfg Config, channels []Channel, client HTTPClient, announcer Announcer, log *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		client:    client,
		announcer: announcer,
		log:       log.With("component", "websub"),
		topicRe:   regexp.MustCompile("(?i)^" + regexp.QuoteMeta(cfg.FeedURL) + "(.*)$"),
		now:       time.Now,
		newToken:  func() string { return uuid.NewString() },
		subs:      make(map[string]*subscription, len(channels)),
		runCtx:    context.Background(),
		uploads:   make(chan model.Upload, 256),
	}
	for _, ch := range channels {
		if ch.Message == "" {
			ch.Message = DefaultMessage
		}
		sub := &subscription{channel: ch}
		m.setState(sub, Unsubscribed)
		m.subs[ch.ID] = sub
	}
	return m
}

// CallbackPath is the HTTP path the hub calls back on.
func (m *Manager) CallbackPath() string {
	if u, err := url.Parse(m.cfg.CallbackURL); err == nil && u.Path != "" {
		return u.Path
	}
	return DefaultCallbackPath
}

// Destinations returns every destination name used by any channel.
func (m *Manager) Destinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, sub := range m.subs {
		for _, d := range sub.channel.Destinations {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// setState must be called with mu held (or before the manager is shared).
func (m *Manager) setState(sub *subscription, s State) {
	sub.state = s
	if s == Unsubscribed {
		sub.token = m.newToken()
	}
}

// Run subscribes every channel and processes queued uploads until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := m.Subscribe(ctx, id); err != nil {
			m.log.Error("subscribe", "channel_id", id, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case up := <-m.uploads:
			if err := m.Announce(up.ChannelID, up.VideoID); err != nil {
				m.log.Warn("announce upload", "channel_id", up.ChannelID, "video_id", up.VideoID, "error", err)
			}
		}
	}
}

// Subscribe moves a channel to PendingVerify and sends the subscription request
// in the background, retrying every RetryDelay until the hub accepts it.
func (m *Manager) Subscribe(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %q", apperr.ErrNotFound, channelID)
	}
	if m.closed {
		return nil
	}
	if sub.stopLoop != nil {
		sub.stopLoop()
	}
	m.setState(sub, PendingVerify)

	loopCtx, cancel := context.WithCancel(ctx)
	sub.stopLoop = cancel
	token := sub.token

	m.log.Info("subscribing", "channel_id", channelID)
	go func() {
		defer cancel()
		err := retry.Forever(loopCtx, m.cfg.RetryDelay, func(ctx context.Context) error {
			return m.requestSubscription(ctx, channelID, token)
		}, func(err error) {
			m.log.Warn("subscription failed", "channel_id", channelID, "retry_in", m.cfg.RetryDelay, "error", err)
			m.checkLapsed(channelID)
		})
		if err == nil {
			m.log.Debug("subscription accepted", "channel_id", channelID)
		}
	}()
	return nil
}

// Resubscribe resets a channel to Unsubscribed, issuing a fresh verify token,
// and subscribes it again.
func (m *Manager) Resubscribe(ctx context.Context, channelID string) error {
	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if ok {
		if sub.renew != nil {
			sub.renew.Stop()
			sub.renew = nil
		}
		m.setState(sub, Unsubscribed)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: channel %q", apperr.ErrNotFound, channelID)
	}
	return m.Subscribe(ctx, channelID)
}

func (m *Manager) checkLapsed(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[channelID]
	if sub == nil || sub.lapsed || sub.expiresAt.IsZero() || m.now().Before(sub.expiresAt) {
		return
	}
	sub.lapsed = true
	m.log.Error("subscription lease lapsed while renewing, uploads may be missed",
		"channel_id", channelID, "expired_at", sub.expiresAt)
}

func (m *Manager) requestSubscription(ctx context.Context, channelID, token string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.callback", m.cfg.CallbackURL)
	form.Set("hub.topic", m.cfg.FeedURL+channelID)
	form.Set("hub.verify_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.HubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post subscription: %w", apperr.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: hub responded with status %d", apperr.ErrTransport, resp.StatusCode)
	}
	return nil
}

// verify checks a hub verification request and activates the subscription.
// It returns the challenge to echo back.
func (m *Manager) verify(q url.Values) (string, error) {
	topic := hubParam(q, "topic")
	match := m.topicRe.FindStringSubmatch(topic)
	if match == nil {
		return "", fmt.Errorf("%w: invalid topic %q", apperr.ErrProtocol, topic)
	}
	channelID := match[1]

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[channelID]
	if !ok {
		return "", fmt.Errorf("%w: unknown channel %q", apperr.ErrProtocol, channelID)
	}
	if sub.state != PendingVerify {
		return "", fmt.Errorf("%w: channel %q not in verify mode", apperr.ErrProtocol, channelID)
	}
	if tok := hubParam(q, "verify_token"); tok == "" || tok != sub.token {
		return "", fmt.Errorf("%w: channel %q incorrect verify token", apperr.ErrProtocol, channelID)
	}
	challenge := hubParam(q, "challenge")
	if challenge == "" {
		return "", fmt.Errorf("%w: channel %q no challenge", apperr.ErrProtocol, channelID)
	}

	lease := m.cfg.DefaultLease
	if raw := hubParam(q, "lease_seconds"); raw != "" {
		if secs, err := parseLease(raw); err == nil {
			lease = secs
		} else {
			m.log.Warn("invalid lease, using default", "channel_id", channelID, "lease", raw)
		}
	}

	m.setState(sub, Active)
	sub.expiresAt = m.now().Add(lease)
	sub.lapsed = false
	if sub.renew != nil {
		sub.renew.Stop()
	}
	if !m.closed {
		sub.renew = time.AfterFunc(m.renewDelay(lease), func() { m.renew(channelID) })
	}

	m.log.Info("channel subscribed", "channel_id", channelID, "expires_in", lease)
	return challenge, nil
}

func (m *Manager) renewDelay(lease time.Duration) time.Duration {
	d := lease - m.cfg.RenewBefore
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

func (m *Manager) renew(channelID string) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if err := m.Subscribe(ctx, channelID); err != nil {
		m.log.Error("renew subscription", "channel_id", channelID, "error", err)
	}
}

func parseLease(raw string) (time.Duration, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: bad lease %q", apperr.ErrValidation, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// hubParam reads hub.<name>, falling back to hub_<name>.
func hubParam(q url.Values, name string) string {
	if v := q.Get("hub." + name); v != "" {
		return v
	}
	return q.Get("hub_" + name)
}

// Announce sends the channel's message for videoID unless it was the last one announced.
func (m *Manager) Announce(channelID, videoID string) error {
	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: channel %q", apperr.ErrNotFound, channelID)
	}
	if sub.lastVideo == videoID {
		m.mu.Unlock()
		m.log.Warn("duplicate upload", "channel_id", channelID, "video_id", videoID)
		return nil
	}
	sub.lastVideo = videoID
	dests := append([]string(nil), sub.channel.Destinations...)
	text := strings.ReplaceAll(sub.channel.Message, "%ID%", videoID)
	m.mu.Unlock()

	m.log.Info("new upload", "channel_id", channelID, "video_id", videoID)
	m.announcer.Announce(dests, model.Message{Content: text})
	return nil
}

// LastAnnounced returns the id of the last video announced for a channel.
func (m *Manager) LastAnnounced(channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[channelID]; ok {
		return sub.lastVideo
	}
	return ""
}

// Snapshot returns the status of every subscription sorted by channel id.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.subs))
	for id, sub := range m.subs {
		out = append(out, Status{
			ChannelID:    id,
			State:        sub.state,
			ExpiresAt:    sub.expiresAt,
			LastVideoID:  sub.lastVideo,
			Destinations: append([]string(nil), sub.channel.Destinations...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Close stops renewal timers and pending subscription requests.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, sub := range m.subs {
		if sub.renew != nil {
			sub.renew.Stop()
			sub.renew = nil
		}
		if sub.stopLoop != nil {
			sub.stopLoop()
			sub.stopLoop = nil
		}
	}
}
