package places

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/prefs"
)

// MaxSearchHistory bounds the number of remembered queries.
const MaxSearchHistory = 20

// History is the most-recent-first list of normalized search queries, persisted under
// prefs.KeySearchHistory. Safe for concurrent use.
type History struct {
	mu     sync.Mutex
	items  []string
	store  prefs.Store
	logger *zap.Logger
}

// NewHistory loads any saved history from store. A nil store keeps history in memory only.
func NewHistory(store prefs.Store, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &History{store: store, logger: logger}
	if store == nil {
		return h
	}
	var saved []string
	found, err := store.Load(prefs.KeySearchHistory, &saved)
	if err != nil {
		logger.Warn("failed to load search history", zap.Error(err))
		return h
	}
	if found {
		for _, q := range saved {
			if q = normalize(q); q != "" && len(h.items) < MaxSearchHistory {
				h.items = append(h.items, q)
			}
		}
	}
	return h
}

// Add records query at the front, removing an earlier equal entry.
func (h *History) Add(query string) {
	q := normalize(query)
	if q == "" {
		return
	}
	h.mu.Lock()
	items := make([]string, 0, len(h.items)+1)
	items = append(items, q)
	for _, existing := range h.items {
		if existing != q {
			items = append(items, existing)
		}
	}
	if len(items) > MaxSearchHistory {
		items = items[:MaxSearchHistory]
	}
	h.items = items
	snapshot := append([]string(nil), items...)
	h.mu.Unlock()

	h.persist(snapshot)
}

// Contains reports whether description matches a remembered query. Either string
// containing the other counts as a match.
func (h *History) Contains(description string) bool {
	desc := strings.ToLower(description)
	if desc == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.items {
		if strings.Contains(desc, q) || strings.Contains(q, desc) {
			return true
		}
	}
	return false
}

// Items returns a copy of the history, most recent first.
func (h *History) Items() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.items...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Clear forgets every entry and removes the persisted copy.
func (h *History) Clear() error {
	h.mu.Lock()
	h.items = nil
	h.mu.Unlock()
	if h.store == nil {
		return nil
	}
	return h.store.Remove(prefs.KeySearchHistory)
}

func (h *History) persist(items []string) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(prefs.KeySearchHistory, items); err != nil {
		h.logger.Warn("failed to save search history", zap.Error(err))
	}
}

func normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
