// Package fetcher downloads page snapshots from the Graph API.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notify_bot/internal/apperr"
)

// Graph API defaults.
const (
	DefaultBaseURL = "https://graph.facebook.com"
	DefaultVersion = "v2.8"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Field is one node of a field projection: a leaf name or a name with nested fields.
type Field struct {
	Name     string
	Children []Field
}

// Leaf returns a field without nested fields.
func Leaf(name string) Field {
	return Field{Name: name}
}

// Node returns a field selecting the given nested fields.
func Node(name string, children ...Field) Field {
	return Field{Name: name, Children: children}
}

// SerializeFields renders a projection in Graph syntax, e.g. "name,posts{message,link}".
func SerializeFields(fields []Field) string {
	var b strings.Builder
	writeFields(&b, fields)
	return b.String()
}

func writeFields(b *strings.Builder, fields []Field) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.Name)
		if len(f.Children) > 0 {
			b.WriteByte('{')
			writeFields(b, f.Children)
			b.WriteByte('}')
		}
	}
}

// PageFields is the projection requested on every poll of a page.
// Events are only requested when the page tracks them.
func PageFields(withEvents bool) []Field {
	fields := []Field{
		Leaf("name"),
		Node("posts",
			Leaf("message"),
			Leaf("created_time"),
			Leaf("type"),
			Leaf("link"),
			Leaf("full_picture"),
			Leaf("name"),
		),
	}
	if withEvents {
		fields = append(fields, Node("events",
			Leaf("id"),
			Leaf("name"),
			Leaf("cover"),
			Leaf("description"),
			Leaf("start_time"),
			Leaf("end_time"),
			Leaf("place"),
			Node("feed", Leaf("message"), Leaf("story"), Leaf("from")),
		))
	}
	return fields
}

// Page is a snapshot of a page with its newest posts and events.
type Page struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Posts  Posts  `json:"posts"`
	Events Events `json:"events"`
}

// Posts is a page of posts, newest first.
type Posts struct {
	Data []Post `json:"data"`
}

// Events is a page of events in no particular order.
type Events struct {
	Data []Event `json:"data"`
}

// Post is a single page post.
type Post struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	CreatedTime string `json:"created_time"`
	Type        string `json:"type"`
	Link        string `json:"link"`
	FullPicture string `json:"full_picture"`
	Name        string `json:"name"`
}

// Event is a page event snapshot.
type Event struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Place       *Place `json:"place"`
	Cover       *Cover `json:"cover"`
}

// Place is the venue of an event.
type Place struct {
	Name     string    `json:"name"`
	Location *Location `json:"location"`
}

// Location is the address part of a Place.
type Location struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// Cover is the cover image of an event.
type Cover struct {
	Source string `json:"source"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	Version     string
	AccessToken string
	Timeout     time.Duration
}

// Client fetches page snapshots from the Graph API.
type Client struct {
	client  HTTPClient
	cfg     Config
	timeout time.Duration
}

// New creates a Client with the given HTTP client.
func New(client HTTPClient, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:  client,
		cfg:     cfg,
		timeout: timeout,
	}
}

// RequestURL builds the URL of a Graph request for the given object id.
func (c *Client) RequestURL(id string, fields []Field) string {
	params := url.Values{}
	if len(fields) > 0 {
		params.Set("fields", SerializeFields(fields))
	}
	params.Set("access_token", c.cfg.AccessToken)

	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.Version + "/" +
		strings.TrimLeft(id, "/") + "?" + params.Encode()
}

// Page downloads the snapshot of a page. Failures wrap apperr.ErrTransport.
func (c *Client) Page(ctx context.Context, id string, fields []Field) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RequestURL(id, fields), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "NotifyBot/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http get: %w", apperr.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", apperr.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			return nil, fmt.Errorf("%w: unexpected status %d: %s", apperr.ErrTransport, resp.StatusCode, ge.Error.Message)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", apperr.ErrTransport, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response", apperr.ErrTransport)
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", apperr.ErrTransport, err)
	}
	return &page, nil
}

// Graph timestamps use a numeric zone without a colon.
const graphTimeLayout = "2006-01-02T15:04:05-0700"

// ParseTime parses a Graph timestamp. It also accepts RFC 3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(graphTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q", apperr.ErrValidation, s)
	}
	return t, nil
}

// PostID returns the page-local part of a post id ("<page>_<post>").
func PostID(fullID string) string {
	if i := strings.LastIndexByte(fullID, '_'); i >= 0 {
		return fullID[i+1:]
	}
	return fullID
}
