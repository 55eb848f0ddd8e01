package tracker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"notify_bot/internal/bigid"
	"notify_bot/internal/fetcher"
	"notify_bot/internal/model"
)

const (
	eventURLFormat   = "https://www.facebook.com/events/%s/"
	eventTimeLayout  = "02-01-2006 15:04"
	eventClockLayout = "15:04"
)

// applyEvents creates records for unseen events, advances the event
// checkpoint and updates every record from its snapshot.
// On the first snapshot ever the checkpoint is set and nothing is announced.
func (t *Tracker) applyEvents(src *model.Source, events []fetcher.Event, log *slog.Logger) {
	announce := src.LatestEvent != nil
	var checkpoint bigid.Value
	if src.LatestEvent != nil {
		checkpoint = *src.LatestEvent
	}
	advanced := false

	for _, ev := range events {
		id, err := bigid.Parse(ev.ID)
		if err != nil {
			log.Error("invalid event id", "event_id", ev.ID, "error", err)
			continue
		}
		if src.LatestEvent == nil {
			log.Info("set latest event", "event_id", id.String())
			src.LatestEvent = &id
		}

		i, created := eventRecord(src, ev.ID)
		if created && announce && !advanced && checkpoint.Less(id) {
			src.LatestEvent = &id
			advanced = true
		}

		t.updateEvent(src, &src.Events[i], ev, announce, log)
		if t.ended(ev) && !src.Events[i].Expired {
			log.Debug("event expired", "event_id", ev.ID)
			src.Events[i].Expired = true
		}
	}
}

func eventRecord(src *model.Source, id string) (int, bool) {
	for i := range src.Events {
		if src.Events[i].ID == id {
			return i, false
		}
	}
	src.Events = append(src.Events, model.EventRecord{ID: id})
	return len(src.Events) - 1, true
}

func (t *Tracker) ended(ev fetcher.Event) bool {
	raw := ev.EndTime
	if raw == "" {
		raw = ev.StartTime
	}
	end, err := fetcher.ParseTime(raw)
	if err != nil {
		return false
	}
	return end.Before(t.now())
}

// updateEvent refreshes a record and announces it when it is new or when a
// watched attribute changed. Expired records are left untouched.
func (t *Tracker) updateEvent(src *model.Source, rec *model.EventRecord, ev fetcher.Event, announceNew bool, log *slog.Logger) {
	if rec.Expired {
		return
	}

	isNew := rec.Name == nil

	name := ev.Name
	rec.Name = &name

	fingerprint := Fingerprint(ev.Description)
	descChanged := rec.Description == nil || *rec.Description != fingerprint
	rec.Description = &fingerprint

	place := PlaceString(ev.Place)
	placeChanged := !equalPtr(rec.Place, place)
	rec.Place = place

	when, err := TimeString(ev.StartTime, ev.EndTime)
	if err != nil {
		log.Warn("invalid event time, keeping stored time", "event_id", ev.ID, "error", err)
		when = rec.Time
	}
	timeChanged := !equalPtr(rec.Time, when)
	rec.Time = when

	var content string
	switch {
	case isNew:
		if !announceNew {
			return
		}
		content = "**@here New event:**"
	case descChanged:
		content = "**Event description updated:**"
	case placeChanged:
		content = "**Event location updated:**"
	case timeChanged:
		content = "**Event time updated:**"
	default:
		return
	}

	log.Info("event announced", "event_id", ev.ID, "new", isNew)

	embed := &model.Embed{
		Title:       ev.Name,
		URL:         fmt.Sprintf(eventURLFormat, ev.ID),
		Description: ev.Description,
	}
	if ev.Cover != nil {
		embed.ImageURL = ev.Cover.Source
	}
	if rec.Place != nil {
		embed.Fields = append(embed.Fields, model.EmbedField{Name: "Location", Value: *rec.Place})
	}
	if rec.Time != nil {
		embed.Fields = append(embed.Fields, model.EmbedField{Name: "Date", Value: *rec.Time})
	}

	category := model.CategoryEventPosts
	if isNew {
		category = model.CategoryEvents
	}
	t.announcer.Announce(src.Channels.For(category), model.Message{Content: content, Embed: embed})
}

// Fingerprint returns the hex SHA-1 of an event description.
func Fingerprint(description string) string {
	sum := sha1.Sum([]byte(description))
	return hex.EncodeToString(sum[:])
}

// PlaceString renders "name, city, country", skipping empty parts.
func PlaceString(p *fetcher.Place) *string {
	if p == nil {
		return nil
	}
	parts := []string{p.Name}
	if p.Location != nil {
		parts = append(parts, p.Location.City, p.Location.Country)
	}
	var kept []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	out := strings.Join(kept, ", ")
	return &out
}

// TimeString renders an event span in the offset of its start time.
// An end on the same day is shown as a clock time only.
func TimeString(start, end string) (*string, error) {
	if start == "" {
		return nil, nil
	}
	from, err := fetcher.ParseTime(start)
	if err != nil {
		return nil, err
	}
	out := from.Format(eventTimeLayout)
	if end != "" {
		to, err := fetcher.ParseTime(end)
		if err != nil {
			return nil, err
		}
		if to.Sub(from) >= 24*time.Hour {
			out += " - " + to.Format(eventTimeLayout)
		} else {
			out += " - " + to.Format(eventClockLayout)
		}
	}
	out += " (" + from.Format("-07:00") + ")"
	return &out, nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
