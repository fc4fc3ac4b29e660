package webhooks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

type BurstMode string

const (
	BurstModeNone     BurstMode = "none"
	BurstModeCoalesce BurstMode = "coalesce"
	BurstModeDebounce BurstMode = "debounce"
)

type BurstDecision struct {
	Allow    bool
	Metadata map[string]any
}

// BurstController suppresses deliveries that repeat a recent one for the same
// key, such as several "updated" events for one object in quick succession.
type BurstController interface {
	Allow(ctx context.Context, delivery Delivery) (BurstDecision, error)
}

type BurstKeyExtractor func(delivery Delivery) (string, bool)

type BurstOptions struct {
	Mode       BurstMode
	Window     time.Duration
	MaxEntries int
	ExtractKey BurstKeyExtractor
	Now        func() time.Time
}

// WindowBurstController tracks one window per key. In coalesce mode the
// window is anchored at the first delivery; in debounce mode every
// suppressed delivery restarts it, so a key passes again only after a quiet
// period.
type WindowBurstController struct {
	mode       BurstMode
	window     time.Duration
	maxEntries int
	extractKey BurstKeyExtractor
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*burstEntry
}

type burstEntry struct {
	anchor     time.Time
	last       time.Time
	suppressed int
}

func NewBurstController(opts BurstOptions) *WindowBurstController {
	c := &WindowBurstController{
		mode:       normalizeBurstMode(opts.Mode),
		window:     opts.Window,
		maxEntries: opts.MaxEntries,
		extractKey: opts.ExtractKey,
		now:        opts.Now,
		entries:    map[string]*burstEntry{},
	}
	if c.window <= 0 {
		c.window = 2 * time.Second
	}
	if c.maxEntries <= 0 {
		c.maxEntries = 4096
	}
	if c.extractKey == nil {
		c.extractKey = DefaultBurstKeyExtractor
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *WindowBurstController) Allow(_ context.Context, delivery Delivery) (BurstDecision, error) {
	if c == nil || c.mode == BurstModeNone {
		return BurstDecision{Allow: true}, nil
	}
	key, ok := c.extractKey(delivery)
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return BurstDecision{Allow: true}, nil
	}

	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.expired(entry, now) {
		c.entries[key] = &burstEntry{anchor: now, last: now}
		c.prune(now)
		return BurstDecision{Allow: true}, nil
	}
	entry.last = now
	entry.suppressed++

	metadata := map[string]any{
		"burst_mode":       string(c.mode),
		"burst_key":        key,
		"burst_window_ms":  c.window.Milliseconds(),
		"burst_suppressed": entry.suppressed,
	}
	if c.mode == BurstModeCoalesce {
		metadata["coalesced"] = true
	} else {
		metadata["debounced"] = true
	}
	return BurstDecision{Allow: false, Metadata: metadata}, nil
}

func (c *WindowBurstController) expired(entry *burstEntry, now time.Time) bool {
	since := entry.anchor
	if c.mode == BurstModeDebounce {
		since = entry.last
	}
	return now.Sub(since) >= c.window
}

// prune drops expired keys once the table is over capacity, then the least
// recently seen ones.
func (c *WindowBurstController) prune(now time.Time) {
	if len(c.entries) <= c.maxEntries {
		return
	}
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.last.Before(oldest) {
				oldestKey, oldest = key, entry.last
			}
		}
		delete(c.entries, oldestKey)
	}
}

// DefaultBurstKeyExtractor keys a delivery by its event type and the id of
// the object it describes.
func DefaultBurstKeyExtractor(delivery Delivery) (string, bool) {
	return PayloadBurstKeyExtractor("type", "data.id")(delivery)
}

// PayloadBurstKeyExtractor builds the key from JSON paths (gjson syntax) of
// the body. Every path must resolve to a non-empty value.
func PayloadBurstKeyExtractor(paths ...string) BurstKeyExtractor {
	list := append([]string(nil), paths...)
	return func(delivery Delivery) (string, bool) {
		if len(list) == 0 || !gjson.ValidBytes(delivery.Body) {
			return "", false
		}
		parts := make([]string, 0, len(list)+1)
		parts = append(parts, strings.ToLower(strings.TrimSpace(delivery.Source)))
		for _, result := range gjson.GetManyBytes(delivery.Body, list...) {
			value := strings.TrimSpace(result.String())
			if value == "" {
				return "", false
			}
			parts = append(parts, value)
		}
		return strings.Join(parts, ":"), true
	}
}

func normalizeBurstMode(mode BurstMode) BurstMode {
	switch strings.ToLower(strings.TrimSpace(string(mode))) {
	case string(BurstModeCoalesce):
		return BurstModeCoalesce
	case string(BurstModeDebounce):
		return BurstModeDebounce
	default:
		return BurstModeNone
	}
}

var _ BurstController = (*WindowBurstController)(nil)
