package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"notify_bot/internal/apperr"
	"notify_bot/internal/bigid"
	"notify_bot/internal/fetcher"
	"notify_bot/internal/model"
	"notify_bot/internal/storage"
)

type mockFetcher struct {
	mu    sync.Mutex
	pages map[string]*fetcher.Page
	calls map[string]int
}

func (m *mockFetcher) Page(_ context.Context, id string, _ []fetcher.Field) (*fetcher.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[id]++
	p, ok := m.pages[id]
	if !ok {
		return nil, apperr.ErrTransport
	}
	return p, nil
}

func (m *mockFetcher) set(id string, p *fetcher.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages == nil {
		m.pages = make(map[string]*fetcher.Page)
	}
	m.pages[id] = p
}

type announced struct {
	Names   []string
	Content string
	Title   string
	Fields  []model.EmbedField
}

type mockAnnouncer struct {
	mu   sync.Mutex
	msgs []announced
}

func (m *mockAnnouncer) Announce(names []string, msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := announced{Names: names, Content: msg.Content}
	if msg.Embed != nil {
		a.Title = msg.Embed.Title
		a.Fields = msg.Embed.Fields
	}
	m.msgs = append(m.msgs, a)
}

func (m *mockAnnouncer) take() []announced {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.msgs
	m.msgs = nil
	return out
}

type mockUploads map[string]string

func (m mockUploads) LastAnnounced(channelID string) string { return m[channelID] }

type failingStore struct{}

func (failingStore) LoadDocument(context.Context, string) ([]byte, error) {
	return nil, apperr.ErrNotFound
}

func (failingStore) SaveDocument(context.Context, string, []byte) error {
	return apperr.ErrStorage
}

func (failingStore) UpdatedAt(context.Context, string) (time.Time, error) {
	return time.Time{}, apperr.ErrNotFound
}

func (failingStore) Close() error { return nil }

var testNow = time.Date(2017, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTracker(t *testing.T, store storage.Storage, pages ...model.Source) (*Tracker, *mockFetcher, *mockAnnouncer) {
	t.Helper()
	f := &mockFetcher{}
	a := &mockAnnouncer{}
	tr := New(store, f, mockUploads{"UCmusic": "dQw4w9WgXcQ"}, a, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.now = func() time.Time { return testNow }
	if err := tr.Load(context.Background(), pages); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tr, f, a
}

func testPage() model.Source {
	return model.Source{
		ID: "1001",
		Channels: model.Channels{
			Posts:      []string{"Galaxy/news"},
			Events:     []string{"Galaxy/events"},
			EventPosts: []string{"Galaxy/event-updates"},
		},
		IgnoreLastYoutubeFrom: []string{"UCmusic"},
	}
}

func post(id, typ, link string) fetcher.Post {
	return fetcher.Post{ID: "1001_" + id, Type: typ, Link: link, Message: "post " + id, CreatedTime: "2017-02-28T10:00:00+0000"}
}

func pollAll(t *testing.T, tr *Tracker) {
	t.Helper()
	if err := tr.PollAll(context.Background()); err != nil {
		t.Fatalf("PollAll: %v", err)
	}
}

func latestPost(t *testing.T, tr *Tracker) string {
	t.Helper()
	src := tr.Sources()[0]
	if src.LatestPost == nil {
		return ""
	}
	return src.LatestPost.String()
}

func TestPostsColdStartThenIncremental(t *testing.T) {
	tr, f, a := newTestTracker(t, newTestStore(t), testPage())

	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{
		post("30", "status", ""), post("20", "status", ""), post("10", "status", ""),
	}}})
	pollAll(t, tr)
	if got := a.take(); len(got) != 0 {
		t.Errorf("cold start announced %v", got)
	}
	if got := latestPost(t, tr); got != "30" {
		t.Errorf("latest post = %q, want 30", got)
	}

	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{
		post("50", "photo", ""), post("40", "link", ""), post("30", "status", ""), post("20", "status", ""),
	}}})
	pollAll(t, tr)
	want := []announced{
		{Names: []string{"Galaxy/news"}, Content: "**New link:**", Title: "Galaxy"},
		{Names: []string{"Galaxy/news"}, Content: "**New photo:**", Title: "Galaxy"},
	}
	if diff := cmp.Diff(want, a.take()); diff != "" {
		t.Errorf("announcements mismatch (-want +got):\n%s", diff)
	}
	if got := latestPost(t, tr); got != "50" {
		t.Errorf("latest post = %q, want 50", got)
	}

	pollAll(t, tr)
	if got := a.take(); len(got) != 0 {
		t.Errorf("repeated snapshot announced %v", got)
	}
}

func TestPostsLongIDs(t *testing.T) {
	tr, f, a := newTestTracker(t, newTestStore(t), testPage())

	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{
		post("99999999999999999999", "status", ""),
	}}})
	pollAll(t, tr)

	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{
		post("100000000000000000000", "status", ""), post("99999999999999999999", "status", ""),
	}}})
	pollAll(t, tr)

	if got := len(a.take()); got != 1 {
		t.Errorf("announcements = %d, want 1", got)
	}
	if got := latestPost(t, tr); got != "100000000000000000000" {
		t.Errorf("latest post = %q", got)
	}
}

func TestPostsSkipped(t *testing.T) {
	tests := []struct {
		name    string
		post    fetcher.Post
		filters []model.Filter
	}{
		{
			name: "video already announced as upload",
			post: post("20", "video", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=1"),
		},
		{
			name: "short link already announced as upload",
			post: post("20", "video", "https://YOUTU.BE/dQw4w9WgXcQ"),
		},
		{
			name:    "excluded by filter",
			post:    post("20", "status", ""),
			filters: []model.Filter{{Kind: model.FilterExclude, Scope: model.ScopeContent, Value: "post"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := testPage()
			page.Filters = tt.filters
			tr, f, a := newTestTracker(t, newTestStore(t), page)

			f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{post("10", "status", "")}}})
			pollAll(t, tr)
			f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{tt.post, post("10", "status", "")}}})
			pollAll(t, tr)

			if got := a.take(); len(got) != 0 {
				t.Errorf("announced %v, want nothing", got)
			}
			if got := latestPost(t, tr); got != "20" {
				t.Errorf("latest post = %q, want 20", got)
			}
		})
	}
}

func TestOtherVideoIsAnnounced(t *testing.T) {
	tr, f, a := newTestTracker(t, newTestStore(t), testPage())

	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{post("10", "status", "")}}})
	pollAll(t, tr)
	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{
		post("20", "video", "https://youtu.be/otherVideo1"), post("10", "status", ""),
	}}})
	pollAll(t, tr)

	if got := len(a.take()); got != 1 {
		t.Errorf("announcements = %d, want 1", got)
	}
}

func event(id, description string, place *fetcher.Place, start string) fetcher.Event {
	return fetcher.Event{ID: id, Name: "Event " + id, Description: description, Place: place, StartTime: start}
}

func TestEvents(t *testing.T) {
	page := testPage()
	page.UpdateEvents = true
	tr, f, a := newTestTracker(t, newTestStore(t), page)

	hall := &fetcher.Place{Name: "Hall", Location: &fetcher.Location{City: "Kyiv", Country: "Ukraine"}}
	club := &fetcher.Place{Name: "Club"}
	start := "2017-03-10T19:00:00+0200"

	f.set("1001", &fetcher.Page{Name: "Galaxy", Events: fetcher.Events{Data: []fetcher.Event{
		event("500", "party", hall, start),
		event("510", "concert", hall, start),
	}}})
	pollAll(t, tr)
	if got := a.take(); len(got) != 0 {
		t.Errorf("cold start announced %v", got)
	}
	src := tr.Sources()[0]
	if src.LatestEvent == nil || !src.LatestEvent.Equal(bigid.MustParse("500")) {
		t.Errorf("latest event = %v, want 500", src.LatestEvent)
	}
	if len(src.Events) != 2 {
		t.Fatalf("records = %d, want 2", len(src.Events))
	}

	f.set("1001", &fetcher.Page{Name: "Galaxy", Events: fetcher.Events{Data: []fetcher.Event{
		event("500", "party updated", club, start),
		event("510", "concert", club, "2017-03-11T19:00:00+0200"),
		event("520", "festival", nil, ""),
	}}})
	pollAll(t, tr)

	when := "10-03-2017 19:00 (+02:00)"
	want := []announced{
		{
			Names:   []string{"Galaxy/event-updates"},
			Content: "**Event description updated:**",
			Title:   "Event 500",
			Fields:  []model.EmbedField{{Name: "Location", Value: "Club"}, {Name: "Date", Value: when}},
		},
		{
			Names:   []string{"Galaxy/event-updates"},
			Content: "**Event location updated:**",
			Title:   "Event 510",
			Fields:  []model.EmbedField{{Name: "Location", Value: "Club"}, {Name: "Date", Value: "11-03-2017 19:00 (+02:00)"}},
		},
		{
			Names:   []string{"Galaxy/events"},
			Content: "**@here New event:**",
			Title:   "Event 520",
		},
	}
	if diff := cmp.Diff(want, a.take()); diff != "" {
		t.Errorf("announcements mismatch (-want +got):\n%s", diff)
	}
	if got := tr.Sources()[0].LatestEvent.String(); got != "520" {
		t.Errorf("latest event = %s, want 520", got)
	}

	pollAll(t, tr)
	if got := a.take(); len(got) != 0 {
		t.Errorf("unchanged snapshot announced %v", got)
	}
}

func TestEventTimeChangeAndExpiry(t *testing.T) {
	page := testPage()
	page.UpdateEvents = true
	tr, f, a := newTestTracker(t, newTestStore(t), page)

	f.set("1001", &fetcher.Page{Name: "Galaxy", Events: fetcher.Events{Data: []fetcher.Event{
		event("500", "party", nil, "2017-03-10T19:00:00+0200"),
		event("400", "old", nil, "2017-02-10T19:00:00+0200"),
	}}})
	pollAll(t, tr)

	f.set("1001", &fetcher.Page{Name: "Galaxy", Events: fetcher.Events{Data: []fetcher.Event{
		event("500", "party", nil, "2017-03-10T20:00:00+0200"),
		event("400", "old", nil, "2017-02-11T19:00:00+0200"),
	}}})
	pollAll(t, tr)

	got := a.take()
	if len(got) != 1 || got[0].Content != "**Event time updated:**" || got[0].Title != "Event 500" {
		t.Errorf("announcements = %+v, want one time change for 500", got)
	}
	for _, rec := range tr.Sources()[0].Events {
		if want := rec.ID == "400"; rec.Expired != want {
			t.Errorf("event %s expired = %v, want %v", rec.ID, rec.Expired, want)
		}
	}
}

func TestEventBadTimeKeepsStoredTime(t *testing.T) {
	page := testPage()
	page.UpdateEvents = true
	tr, f, a := newTestTracker(t, newTestStore(t), page)

	f.set("1001", &fetcher.Page{Name: "Galaxy", Events: fetcher.Events{Data: []fetcher.Event{
		event("500", "party", nil, "2017-03-10T19:00:00+0200"),
	}}})
	pollAll(t, tr)

	f.set("1001", &fetcher.Page{Name: "Galaxy", Events: fetcher.Events{Data: []fetcher.Event{
		event("500", "party", nil, "next friday"),
	}}})
	pollAll(t, tr)

	if got := a.take(); len(got) != 0 {
		t.Errorf("unparsable time announced %+v", got)
	}
	rec := tr.Sources()[0].Events[0]
	if rec.Time == nil || *rec.Time != "10-03-2017 19:00 (+02:00)" {
		t.Errorf("stored time = %v, want the previous value", rec.Time)
	}
}

func TestCheckpointPersisted(t *testing.T) {
	store := newTestStore(t)
	tr, f, _ := newTestTracker(t, store, testPage())

	if _, err := tr.LastSaved(context.Background()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("LastSaved before poll error = %v, want ErrNotFound", err)
	}

	f.set("1001", &fetcher.Page{Name: "Galaxy", Posts: fetcher.Posts{Data: []fetcher.Post{post("30", "status", "")}}})
	pollAll(t, tr)

	if saved, err := tr.LastSaved(context.Background()); err != nil || saved.IsZero() {
		t.Errorf("LastSaved() = %v, %v; want a save time", saved, err)
	}

	data, err := store.LoadDocument(context.Background(), Module)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(doc.Pages) != 1 || doc.Pages[0].Name != "Galaxy" || doc.Pages[0].LatestPost.String() != "30" {
		t.Errorf("stored document = %s", data)
	}

	updated := testPage()
	updated.Channels.Posts = []string{"Galaxy/general"}
	extra := model.Source{ID: "2002"}
	reloaded, _, _ := newTestTracker(t, store, updated, extra)

	srcs := reloaded.Sources()
	if len(srcs) != 2 {
		t.Fatalf("sources = %d, want 2", len(srcs))
	}
	if srcs[0].LatestPost.String() != "30" {
		t.Errorf("checkpoint lost on reload: %v", srcs[0].LatestPost)
	}
	if diff := cmp.Diff([]string{"Galaxy/general"}, srcs[0].Channels.Posts); diff != "" {
		t.Errorf("configured channels not applied (-want +got):\n%s", diff)
	}
	wantDest := []string{"Galaxy/event-updates", "Galaxy/events", "Galaxy/general"}
	if diff := cmp.Diff(wantDest, reloaded.Destinations()); diff != "" {
		t.Errorf("Destinations() mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveErrorPropagates(t *testing.T) {
	tr, f, _ := newTestTracker(t, failingStore{}, testPage())
	f.set("1001", &fetcher.Page{Name: "Galaxy"})

	err := tr.PollAll(context.Background())
	if !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("PollAll error = %v, want ErrStorage", err)
	}
}

func TestFetchErrorIsNotFatal(t *testing.T) {
	tr, f, _ := newTestTracker(t, newTestStore(t), testPage(), model.Source{ID: "2002"})
	f.set("2002", &fetcher.Page{Name: "Other"})

	pollAll(t, tr)
	if got := tr.Sources()[1].Name; got != "Other" {
		t.Errorf("second page name = %q, want Other", got)
	}
}

func TestPollSourceUnknown(t *testing.T) {
	tr, _, _ := newTestTracker(t, newTestStore(t), testPage())
	if err := tr.PollSource(context.Background(), "404"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("PollSource error = %v, want ErrNotFound", err)
	}
}

func TestLoadRejectsBadFilter(t *testing.T) {
	page := testPage()
	page.Filters = []model.Filter{{Kind: model.FilterIncludeRe, Scope: model.ScopeAll, Value: "("}}

	tr := New(newTestStore(t), &mockFetcher{}, nil, &mockAnnouncer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := tr.Load(context.Background(), []model.Source{page}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Load error = %v, want ErrValidation", err)
	}
}

func TestPlaceString(t *testing.T) {
	tests := []struct {
		name  string
		place *fetcher.Place
		want  string
	}{
		{name: "full", place: &fetcher.Place{Name: "Hall", Location: &fetcher.Location{City: "Kyiv", Country: "Ukraine"}}, want: "Hall, Kyiv, Ukraine"},
		{name: "name only", place: &fetcher.Place{Name: "Hall"}, want: "Hall"},
		{name: "missing city", place: &fetcher.Place{Name: "Hall", Location: &fetcher.Location{Country: "Ukraine"}}, want: "Hall, Ukraine"},
		{name: "nil", place: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlaceString(tt.place)
			if got == nil {
				if tt.want != "" {
					t.Errorf("PlaceString() = nil, want %q", tt.want)
				}
				return
			}
			if *got != tt.want {
				t.Errorf("PlaceString() = %q, want %q", *got, tt.want)
			}
		})
	}
}

func TestTimeString(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		want  string
	}{
		{name: "start only", start: "2017-03-10T19:00:00+0200", want: "10-03-2017 19:00 (+02:00)"},
		{name: "same day end", start: "2017-03-10T19:00:00+0200", end: "2017-03-10T23:30:00+0200", want: "10-03-2017 19:00 - 23:30 (+02:00)"},
		{name: "multi day end", start: "2017-03-10T19:00:00+0200", end: "2017-03-12T18:00:00+0200", want: "10-03-2017 19:00 - 12-03-2017 18:00 (+02:00)"},
		{name: "no start", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TimeString(tt.start, tt.end)
			if err != nil {
				t.Fatalf("TimeString() error: %v", err)
			}
			var s string
			if got != nil {
				s = *got
			}
			if s != tt.want {
				t.Errorf("TimeString() = %q, want %q", s, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	if got, want := Fingerprint("abc"), "a9993e364706816aba3e25717850c26c9cd0d89d"; got != want {
		t.Errorf("Fingerprint() = %q, want %q", got, want)
	}
}

func TestYoutubeID(t *testing.T) {
	tests := []struct {
		link   string
		want   string
		wantOK bool
	}{
		{link: "https://www.youtube.com/watch?v=abc_-123", want: "abc_-123", wantOK: true},
		{link: "http://youtu.be/XyZ", want: "XyZ", wantOK: true},
		{link: "https://example.com/watch?v=abc", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			got, ok := YoutubeID(tt.link)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("YoutubeID() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
