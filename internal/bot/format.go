package bot

import (
	"fmt"
	"strings"
	"time"

	"notify_bot/internal/bigid"
	"notify_bot/internal/model"
	"notify_bot/internal/router"
	"notify_bot/internal/websub"
)

const timeLayout = "2006-01-02 15:04 UTC"

func sourceLabel(s model.Source) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func idOrNone(v *bigid.Value) string {
	if v == nil {
		return "none"
	}
	return v.String()
}

// FormatSourceList formats the tracked pages for display.
func FormatSourceList(sources []model.Source) string {
	if len(sources) == 0 {
		return "No pages are tracked. Add them under facebook.pages in the config."
	}
	var b strings.Builder
	b.WriteString("Tracked pages:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "\n%s  (%s)\n", sourceLabel(s), s.ID)
		fmt.Fprintf(&b, "   latest post %s", idOrNone(s.LatestPost))
		if s.UpdateEvents {
			active := 0
			for _, e := range s.Events {
				if !e.Expired {
					active++
				}
			}
			fmt.Fprintf(&b, ", %d upcoming events", active)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatSourceInfo formats detailed information about a single page.
func FormatSourceInfo(s model.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", sourceLabel(s), s.ID)
	for _, c := range model.Categories {
		writeDestinations(&b, categoryLabels[c], s.Channels.For(c))
	}
	fmt.Fprintf(&b, "Latest post: %s\n", idOrNone(s.LatestPost))
	if s.UpdateEvents {
		expired := 0
		for _, e := range s.Events {
			if e.Expired {
				expired++
			}
		}
		fmt.Fprintf(&b, "Latest event: %s\n", idOrNone(s.LatestEvent))
		fmt.Fprintf(&b, "Events tracked: %d (%d expired)\n", len(s.Events), expired)
	} else {
		b.WriteString("Events: not tracked\n")
	}
	if len(s.IgnoreLastYoutubeFrom) > 0 {
		fmt.Fprintf(&b, "Skips videos just announced from: %s\n", strings.Join(s.IgnoreLastYoutubeFrom, ", "))
	}
	b.WriteString("\n")
	b.WriteString(FormatFilterList(s.Filters))
	return b.String()
}

var categoryLabels = map[model.Category]string{
	model.CategoryPosts:      "Posts",
	model.CategoryEvents:     "New events",
	model.CategoryEventPosts: "Event updates",
}

func writeDestinations(b *strings.Builder, label string, names []string) {
	if len(names) == 0 {
		fmt.Fprintf(b, "%s: -\n", label)
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(names, ", "))
}

// FormatFilterList formats the filter rules of a page grouped by kind.
func FormatFilterList(filters []model.Filter) string {
	if len(filters) == 0 {
		return "No filters."
	}

	groups := map[string][]model.Filter{}
	for _, f := range filters {
		switch f.Kind {
		case model.FilterInclude:
			groups["Include (word)"] = append(groups["Include (word)"], f)
		case model.FilterIncludeRe:
			groups["Include (regex)"] = append(groups["Include (regex)"], f)
		case model.FilterExclude:
			groups["Exclude (word)"] = append(groups["Exclude (word)"], f)
		case model.FilterExcludeRe:
			groups["Exclude (regex)"] = append(groups["Exclude (regex)"], f)
		}
	}

	var b strings.Builder
	b.WriteString("Filters:\n")
	order := []string{"Include (word)", "Include (regex)", "Exclude (word)", "Exclude (regex)"}
	for _, groupName := range order {
		fs := groups[groupName]
		if len(fs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", groupName)
		for _, f := range fs {
			fmt.Fprintf(&b, "  %s (%s)\n", f.Value, scopeLabel(f.Scope))
		}
	}
	return b.String()
}

func scopeLabel(s model.FilterScope) string {
	switch s {
	case model.ScopeTitle:
		return "title only"
	case model.ScopeContent:
		return "content only"
	default:
		return "title+content"
	}
}

// FormatSubscriptions formats upload subscription states.
func FormatSubscriptions(subs []websub.Status, now time.Time) string {
	if len(subs) == 0 {
		return "No upload channels are configured."
	}
	var b strings.Builder
	b.WriteString("Upload subscriptions:\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "\n%s [%s]\n", s.ChannelID, s.State)
		switch {
		case s.ExpiresAt.IsZero():
		case s.ExpiresAt.Before(now):
			fmt.Fprintf(&b, "   lease lapsed %s\n", s.ExpiresAt.UTC().Format(timeLayout))
		default:
			fmt.Fprintf(&b, "   expires %s\n", s.ExpiresAt.UTC().Format(timeLayout))
		}
		if s.LastVideoID != "" {
			fmt.Fprintf(&b, "   last video https://youtu.be/%s\n", s.LastVideoID)
		}
		if len(s.Destinations) > 0 {
			fmt.Fprintf(&b, "   -> %s\n", strings.Join(s.Destinations, ", "))
		}
	}
	return b.String()
}

// FormatDestinations formats resolved announcement targets.
func FormatDestinations(dests []router.Destination) string {
	if len(dests) == 0 {
		return "No destinations resolved yet."
	}
	var b strings.Builder
	b.WriteString("Destinations:\n")
	for _, d := range dests {
		fmt.Fprintf(&b, "  %s -> %s\n", d.Name, d.Label)
	}
	return b.String()
}

var markupStripper = strings.NewReplacer("**", "", "@here ", "")

// FormatMessage renders an announcement as plain Telegram text.
func FormatMessage(msg model.Message) string {
	var b strings.Builder
	b.WriteString(markupStripper.Replace(msg.Content))
	e := msg.Embed
	if e == nil {
		return b.String()
	}
	if e.Title != "" {
		fmt.Fprintf(&b, "\n\n%s", e.Title)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, "\n\n%s", e.Description)
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "\n\n%s", e.URL)
	}
	return b.String()
}
