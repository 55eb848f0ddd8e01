// Package filter decides whether a page post should be announced.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"notify_bot/internal/model"
)

// Item is the text of a post that filters are matched against.
// Title is the attachment name of the post, Text is its message.
type Item struct {
	Title string
	Text  string
}

// Match checks whether an item passes the given set of filters.
// If no filters are provided, the item always passes.
// Include filters use OR logic (at least one must match).
// Exclude filters use AND logic (none must match).
func Match(item Item, filters []model.Filter) bool {
	if len(filters) == 0 {
		return true
	}

	hasIncludes := false
	anyIncludeMatched := false

	for _, f := range filters {
		switch f.Kind {
		case model.FilterInclude, model.FilterIncludeRe:
			hasIncludes = true
			if matches(item, f) {
				anyIncludeMatched = true
			}
		case model.FilterExclude, model.FilterExcludeRe:
			if matches(item, f) {
				return false
			}
		}
	}

	return !hasIncludes || anyIncludeMatched
}

func matches(item Item, f model.Filter) bool {
	text := textForScope(item, f.Scope)
	switch f.Kind {
	case model.FilterInclude, model.FilterExclude:
		return strings.Contains(text, strings.ToLower(f.Value))
	case model.FilterIncludeRe, model.FilterExcludeRe:
		re, err := regexp.Compile("(?i)" + f.Value)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	return false
}

func textForScope(item Item, scope model.FilterScope) string {
	switch scope {
	case model.ScopeTitle:
		return strings.ToLower(item.Title)
	case model.ScopeContent:
		return strings.ToLower(item.Text)
	default:
		return strings.ToLower(item.Title + " " + item.Text)
	}
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

// Validate checks kinds, scopes and patterns of configured filters.
func Validate(filters []model.Filter) error {
	for i, f := range filters {
		switch f.Kind {
		case model.FilterInclude, model.FilterExclude:
		case model.FilterIncludeRe, model.FilterExcludeRe:
			if err := ValidateRegex(f.Value); err != nil {
				return fmt.Errorf("filter %d: %w", i, err)
			}
		default:
			return fmt.Errorf("filter %d: unknown kind %q", i, f.Kind)
		}
		switch f.Scope {
		case "", model.ScopeTitle, model.ScopeContent, model.ScopeAll:
		default:
			return fmt.Errorf("filter %d: unknown scope %q", i, f.Scope)
		}
		if strings.TrimSpace(f.Value) == "" {
			return fmt.Errorf("filter %d: empty value", i)
		}
	}
	return nil
}
