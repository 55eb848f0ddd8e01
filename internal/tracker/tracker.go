// Package tracker polls pages for new posts and event changes and announces them.
//
// Every page keeps a checkpoint (the newest post id and event id seen) in a
// JSON document that is rewritten after each successful poll.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"notify_bot/internal/apperr"
	"notify_bot/internal/bigid"
	"notify_bot/internal/fetcher"
	"notify_bot/internal/filter"
	"notify_bot/internal/model"
	"notify_bot/internal/storage"
)

// Module is the name the checkpoint document is stored under.
const Module = "FacebookNotify"

// Fetcher downloads page snapshots.
type Fetcher interface {
	Page(ctx context.Context, id string, fields []fetcher.Field) (*fetcher.Page, error)
}

// UploadLookup reports the last video announced for an upstream video channel.
type UploadLookup interface {
	LastAnnounced(channelID string) string
}

// Announcer delivers a message to logical destinations.
type Announcer interface {
	Announce(names []string, msg model.Message)
}

type source struct {
	mu    sync.Mutex
	state model.Source
}

// Tracker owns the state of all tracked pages.
type Tracker struct {
	store     storage.Storage
	fetcher   Fetcher
	uploads   UploadLookup
	announcer Announcer
	log       *slog.Logger
	now       func() time.Time
	limit     int

	mu      sync.Mutex // guards sources
	saveMu  sync.Mutex
	sources []*source
}

// New creates a Tracker. uploads may be nil when no video module runs.
func New(store storage.Storage, f Fetcher, uploads UploadLookup, announcer Announcer, log *slog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		fetcher:   f,
		uploads:   uploads,
		announcer: announcer,
		log:       log.With("component", "tracker"),
		now:       time.Now,
		limit:     4,
	}
}

// Load reads the checkpoint document and merges the configured pages into it.
// Configured pages override destinations, flags and filters of stored pages
// and are added when missing; stored pages absent from the configuration are kept.
func (t *Tracker) Load(ctx context.Context, configured []model.Source) error {
	var doc model.Document
	data, err := t.store.LoadDocument(ctx, Module)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		t.log.Info("no checkpoint stored, starting fresh")
	case err != nil:
		return fmt.Errorf("load checkpoint: %w", err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: decode checkpoint: %w", apperr.ErrStorage, err)
		}
	}

	byID := make(map[string]int, len(doc.Pages))
	for i, p := range doc.Pages {
		byID[p.ID] = i
	}
	for _, c := range configured {
		if err := filter.Validate(c.Filters); err != nil {
			return fmt.Errorf("%w: page %s: %w", apperr.ErrValidation, c.ID, err)
		}
		i, ok := byID[c.ID]
		if !ok {
			doc.Pages = append(doc.Pages, c.Clone())
			byID[c.ID] = len(doc.Pages) - 1
			continue
		}
		stored := &doc.Pages[i]
		stored.Channels = c.Channels
		stored.IgnoreLastYoutubeFrom = c.IgnoreLastYoutubeFrom
		stored.UpdateEvents = c.UpdateEvents
		stored.Filters = c.Filters
	}

	sources := make([]*source, len(doc.Pages))
	for i, p := range doc.Pages {
		sources[i] = &source{state: p}
	}

	t.mu.Lock()
	t.sources = sources
	t.mu.Unlock()

	t.log.Info("pages loaded", "count", len(sources))
	return nil
}

// Sources returns a copy of every tracked page.
func (t *Tracker) Sources() []model.Source {
	t.mu.Lock()
	srcs := append([]*source(nil), t.sources...)
	t.mu.Unlock()

	out := make([]model.Source, len(srcs))
	for i, s := range srcs {
		s.mu.Lock()
		out[i] = s.state.Clone()
		s.mu.Unlock()
	}
	return out
}

// Destinations returns every destination name configured on any page.
func (t *Tracker) Destinations() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range t.Sources() {
		for _, c := range model.Categories {
			for _, n := range s.Channels.For(c) {
				if !seen[n] {
					seen[n] = true
					out = append(out, n)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) find(id string) *source {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sources {
		if s.state.ID == id {
			return s
		}
	}
	return nil
}

// PollAll polls every page concurrently. Fetch failures are logged and the
// page is retried on the next cycle; a failed checkpoint save is returned.
func (t *Tracker) PollAll(ctx context.Context) error {
	t.mu.Lock()
	srcs := append([]*source(nil), t.sources...)
	t.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(t.limit)
	for _, s := range srcs {
		g.Go(func() error {
			return t.poll(ctx, s)
		})
	}
	return g.Wait()
}

// PollSource polls a single page now.
func (t *Tracker) PollSource(ctx context.Context, id string) error {
	s := t.find(id)
	if s == nil {
		return fmt.Errorf("%w: page %q", apperr.ErrNotFound, id)
	}
	return t.poll(ctx, s)
}

func (t *Tracker) poll(ctx context.Context, s *source) error {
	s.mu.Lock()
	id := s.state.ID
	withEvents := s.state.UpdateEvents
	s.mu.Unlock()

	log := t.log.With("page_id", id)
	log.Debug("checking page")

	page, err := t.fetcher.Page(ctx, id, fetcher.PageFields(withEvents))
	if err != nil {
		log.Warn("fetch page", "error", err)
		return nil
	}

	s.mu.Lock()
	t.apply(&s.state, page, log)
	s.mu.Unlock()

	return t.Save(ctx)
}

// Save writes the checkpoint document of all pages.
func (t *Tracker) Save(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	doc := model.Document{Pages: t.Sources()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode checkpoint: %w", apperr.ErrStorage, err)
	}
	if err := t.store.SaveDocument(ctx, Module, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LastSaved returns when the checkpoint document was last written.
// A tracker that never saved returns an error wrapping apperr.ErrNotFound.
func (t *Tracker) LastSaved(ctx context.Context) (time.Time, error) {
	return t.store.UpdatedAt(ctx, Module)
}

// apply diffs a page snapshot against the stored state and announces what is new.
func (t *Tracker) apply(src *model.Source, page *fetcher.Page, log *slog.Logger) {
	if page.Name == "" {
		log.Warn("snapshot without page name, skipped")
		return
	}
	src.Name = page.Name

	for _, p := range newPosts(src, page.Posts.Data, log) {
		t.announcePost(src, p, log)
	}

	if src.UpdateEvents {
		t.applyEvents(src, page.Events.Data, log)
	}
}

// newPosts advances the post checkpoint and returns the posts newer than it, oldest first.
// Posts arrive newest first; the scan stops at the first post not newer than the checkpoint.
func newPosts(src *model.Source, posts []fetcher.Post, log *slog.Logger) []fetcher.Post {
	var (
		fresh      []fetcher.Post
		newest     *bigid.Value
		checkpoint bigid.Value
	)
	if src.LatestPost != nil {
		checkpoint = *src.LatestPost
	}

	for _, p := range posts {
		id, err := bigid.Parse(fetcher.PostID(p.ID))
		if err != nil {
			log.Error("invalid post id", "post_id", p.ID, "error", err)
			continue
		}
		if src.LatestPost == nil {
			log.Info("set latest post", "post_id", id.String())
			src.LatestPost = &id
			return nil
		}
		if !checkpoint.Less(id) {
			break
		}
		if newest == nil {
			newest = &id
		}
		fresh = append(fresh, p)
	}

	if newest != nil {
		src.LatestPost = newest
	}
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	return fresh
}

var youtubeLinkRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)youtube\.com/watch\?v=([a-z0-9_-]+)`),
	regexp.MustCompile(`(?i)youtu\.be/([a-z0-9_-]+)`),
}

// YoutubeID extracts a video id from a watch or short link.
func YoutubeID(link string) (string, bool) {
	for _, re := range youtubeLinkRes {
		if m := re.FindStringSubmatch(link); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func (t *Tracker) announcePost(src *model.Source, p fetcher.Post, log *slog.Logger) {
	postID := fetcher.PostID(p.ID)

	if len(src.IgnoreLastYoutubeFrom) > 0 && t.uploads != nil {
		if videoID, ok := YoutubeID(p.Link); ok {
			for _, ch := range src.IgnoreLastYoutubeFrom {
				if t.uploads.LastAnnounced(ch) == videoID {
					log.Info("skipped post already announced as upload", "post_id", postID, "video_id", videoID)
					return
				}
			}
		}
	}

	if !filter.Match(filter.Item{Title: p.Name, Text: p.Message}, src.Filters) {
		log.Info("skipped post by filters", "post_id", postID)
		return
	}

	log.Info("new post", "post_id", postID)

	embed := &model.Embed{
		Title:       src.Name,
		URL:         p.Link,
		Description: p.Message,
		ImageURL:    p.FullPicture,
	}
	if ts, err := fetcher.ParseTime(p.CreatedTime); err == nil {
		embed.Timestamp = ts
	}
	t.announcer.Announce(src.Channels.For(model.CategoryPosts), model.Message{
		Content: fmt.Sprintf("**New %s:**", p.Type),
		Embed:   embed,
	})
}
