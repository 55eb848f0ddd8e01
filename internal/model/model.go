// Package model defines the domain types used across the application.
package model

import (
	"time"

	"notify_bot/internal/bigid"
)

// Category names a group of destinations a source announces to.
type Category string

// Announcement categories of a tracked page.
const (
	CategoryPosts      Category = "posts"
	CategoryEvents     Category = "events"
	CategoryEventPosts Category = "event_posts"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryPosts, CategoryEvents, CategoryEventPosts}

// Channels maps each category to logical destination names such as "Guild/channel".
type Channels struct {
	Posts      []string `json:"posts" mapstructure:"posts"`
	Events     []string `json:"events" mapstructure:"events"`
	EventPosts []string `json:"event_posts" mapstructure:"event_posts"`
}

// For returns the destination names configured for c.
func (ch Channels) For(c Category) []string {
	switch c {
	case CategoryPosts:
		return ch.Posts
	case CategoryEvents:
		return ch.Events
	case CategoryEventPosts:
		return ch.EventPosts
	}
	return nil
}

// Source is a tracked page together with its checkpoint state.
type Source struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name,omitempty"`
	Channels              Channels      `json:"channels"`
	IgnoreLastYoutubeFrom []string      `json:"ignore_last_youtube_from"`
	LatestPost            *bigid.Value  `json:"latest_post"`
	UpdateEvents          bool          `json:"update_events"`
	LatestEvent           *bigid.Value  `json:"latest_event"`
	Events                []EventRecord `json:"events"`
	Filters               []Filter      `json:"filters,omitempty"`
}

// Clone returns a deep copy of s.
func (s Source) Clone() Source {
	out := s
	out.Channels = Channels{
		Posts:      append([]string(nil), s.Channels.Posts...),
		Events:     append([]string(nil), s.Channels.Events...),
		EventPosts: append([]string(nil), s.Channels.EventPosts...),
	}
	out.IgnoreLastYoutubeFrom = append([]string(nil), s.IgnoreLastYoutubeFrom...)
	if s.LatestPost != nil {
		v := *s.LatestPost
		out.LatestPost = &v
	}
	if s.LatestEvent != nil {
		v := *s.LatestEvent
		out.LatestEvent = &v
	}
	out.Events = make([]EventRecord, len(s.Events))
	for i, e := range s.Events {
		out.Events[i] = e.Clone()
	}
	out.Filters = append([]Filter(nil), s.Filters...)
	return out
}

// EventRecord is the last known state of an event published by a page.
// Description holds a fingerprint of the text, not the text itself.
type EventRecord struct {
	ID          string  `json:"id"`
	Expired     bool    `json:"expired"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Place       *string `json:"place"`
	Time        *string `json:"time"`
}

// Clone returns a deep copy of e.
func (e EventRecord) Clone() EventRecord {
	out := e
	out.Name = cloneString(e.Name)
	out.Description = cloneString(e.Description)
	out.Place = cloneString(e.Place)
	out.Time = cloneString(e.Time)
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Document is the persisted checkpoint of the page tracker.
type Document struct {
	Pages []Source `json:"pages"`
}

// Message is a chat announcement with an optional rich embed.
type Message struct {
	Content string
	Embed   *Embed
}

// Embed is a rich card attached to a Message.
type Embed struct {
	Title       string
	URL         string
	Description string
	ImageURL    string
	Timestamp   time.Time
	Fields      []EmbedField
}

// EmbedField is a named line of an Embed.
type EmbedField struct {
	Name  string
	Value string
}

// FilterKind defines the type of filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of a post a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
)

// Filter is a single post filtering rule attached to a source.
type Filter struct {
	Kind  FilterKind  `json:"kind" mapstructure:"kind"`
	Scope FilterScope `json:"scope" mapstructure:"scope"`
	Value string      `json:"value" mapstructure:"value"`
}

// Upload is a video announced by an upstream video channel.
type Upload struct {
	ChannelID string
	VideoID   string
}
