package websub

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"notify_bot/internal/model"
)

const maxNotificationSize = 1 << 20

// ServeHTTP handles hub callbacks: GET for subscription verification,
// anything else for upload notifications.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.EqualFold(hubParam(r.URL.Query(), "mode"), "subscribe") {
		m.handleVerify(w, r)
		return
	}
	m.handleNotification(w, r)
}

func (m *Manager) handleVerify(w http.ResponseWriter, r *http.Request) {
	challenge, err := m.verify(r.URL.Query())
	if err != nil {
		m.log.Warn("verification rejected", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (m *Manager) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationSize))
	if err != nil {
		m.log.Warn("read notification", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil || len(feed.Items) == 0 {
		path, dumpErr := m.dumpBody(body)
		m.log.Warn("received unparsed callback", "dump", path, "parse_error", err, "dump_error", dumpErr)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	queued := 0
	for _, item := range feed.Items {
		channelID := extensionValue(item.Extensions, "channelId")
		videoID := extensionValue(item.Extensions, "videoId")
		if channelID == "" || videoID == "" {
			m.log.Warn("received malformed entry", "entry_id", item.GUID)
			continue
		}
		if !m.known(channelID) {
			m.log.Warn("received upload from unknown channel", "channel_id", channelID)
			continue
		}

		select {
		case m.uploads <- model.Upload{ChannelID: channelID, VideoID: videoID}:
			queued++
		case <-r.Context().Done():
			m.log.Warn("notification aborted before all entries were queued", "queued", queued)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}

	m.log.Info("received notification", "entries", len(feed.Items), "queued", queued)
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) known(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[channelID]
	return ok
}

// dumpBody writes an unparsable notification to <DiagnosticsDir>/<unix time>.log.
func (m *Manager) dumpBody(body []byte) (string, error) {
	if err := os.MkdirAll(m.cfg.DiagnosticsDir, 0o750); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	path := filepath.Join(m.cfg.DiagnosticsDir, fmt.Sprintf("%d.log", m.now().Unix()))
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("write diagnostics: %w", err)
	}
	return path, nil
}

// extensionValue finds an element by local name under any namespace prefix,
// since feeds are free to bind the yt namespace to another prefix.
func extensionValue(exts ext.Extensions, name string) string {
	if v := firstValue(exts["yt"], name); v != "" {
		return v
	}
	for prefix, elems := range exts {
		if prefix == "yt" {
			continue
		}
		if v := firstValue(elems, name); v != "" {
			return v
		}
	}
	return ""
}

func firstValue(elems map[string][]ext.Extension, name string) string {
	for _, e := range elems[name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}
