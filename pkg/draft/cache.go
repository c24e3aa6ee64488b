package draft

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// RecordKey namespaces the single record that holds every draft.
	RecordKey     = "desktopctl.scenario-drafts"
	SchemaVersion = 1

	DefaultMaxDrafts = 20
	DefaultTTL       = 72 * time.Hour
)

type Draft struct {
	ScenarioName string         `json:"scenario_name"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Payload      map[string]any `json:"payload"`
}

type Options struct {
	Storage   Storage
	MaxDrafts int
	TTL       time.Duration
	Clock     clockwork.Clock
}

// Cache is a TTL- and count-bounded store of in-progress edits. When the
// underlying storage is missing or failing every operation degrades to a no-op.
//
// There is no coordination between processes sharing a storage: concurrent
// writers overwrite each other by recency.
type Cache struct {
	storage   Storage
	maxDrafts int
	ttl       time.Duration
	clock     clockwork.Clock

	mu sync.Mutex
}

func NewCache(opts Options) *Cache {
	if opts.MaxDrafts <= 0 {
		opts.MaxDrafts = DefaultMaxDrafts
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache{
		storage:   opts.Storage,
		maxDrafts: opts.MaxDrafts,
		ttl:       opts.TTL,
		clock:     opts.Clock,
	}
}

func (c *Cache) Available() bool {
	return c != nil && c.storage != nil
}

// Load returns the non-expired draft for scenarioName, or nil. Expired
// entries are purged as a side effect.
func (c *Cache) Load(scenarioName string) *Draft {
	if !c.Available() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drafts, ok := c.read()
	if !ok {
		return nil
	}
	live := c.purgeExpired(drafts)
	if len(live) != len(drafts) {
		c.write(live)
	}
	for i := range live {
		if live[i].ScenarioName == scenarioName {
			d := live[i]
			return &d
		}
	}
	return nil
}

// Save upserts the draft for scenarioName. The original CreatedAt is kept.
func (c *Cache) Save(scenarioName string, payload map[string]any) *Draft {
	if !c.Available() || scenarioName == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drafts, ok := c.read()
	if !ok {
		return nil
	}
	drafts = c.purgeExpired(drafts)

	now := c.clock.Now().UTC()
	entry := Draft{
		ScenarioName: scenarioName,
		Version:      SchemaVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
		Payload:      payload,
	}
	// entry first so it wins recency ties
	out := make([]Draft, 1, len(drafts)+1)
	for _, d := range drafts {
		if d.ScenarioName == scenarioName {
			if !d.CreatedAt.IsZero() {
				entry.CreatedAt = d.CreatedAt
			}
			continue
		}
		out = append(out, d)
	}
	out[0] = entry
	out = c.trim(out)
	if !c.write(out) {
		return nil
	}
	return &entry
}

func (c *Cache) Clear(scenarioName string) {
	if !c.Available() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drafts, ok := c.read()
	if !ok {
		return
	}
	out := drafts[:0]
	removed := false
	for _, d := range drafts {
		if d.ScenarioName == scenarioName {
			removed = true
			continue
		}
		out = append(out, d)
	}
	if removed {
		c.write(out)
	}
}

// List returns the live drafts, most recently updated first.
func (c *Cache) List() []Draft {
	if !c.Available() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drafts, ok := c.read()
	if !ok {
		return nil
	}
	live := c.purgeExpired(drafts)
	if len(live) != len(drafts) {
		c.write(live)
	}
	sortByRecency(live)
	return live
}

func (c *Cache) purgeExpired(drafts []Draft) []Draft {
	now := c.clock.Now()
	out := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		if !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (c *Cache) trim(drafts []Draft) []Draft {
	sortByRecency(drafts)
	if len(drafts) > c.maxDrafts {
		drafts = drafts[:c.maxDrafts]
	}
	return drafts
}

func sortByRecency(drafts []Draft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		return drafts[i].UpdatedAt.After(drafts[j].UpdatedAt)
	})
}

func (c *Cache) read() ([]Draft, bool) {
	b, err := c.storage.Get(RecordKey)
	if err != nil {
		log.Debug().Err(err).Msg("draft storage read failed")
		return nil, false
	}
	if len(b) == 0 {
		return []Draft{}, true
	}
	var drafts []Draft
	if err := json.Unmarshal(b, &drafts); err != nil {
		// a corrupt record is replaced on the next write
		log.Debug().Err(errors.Wrap(err, "parse draft record")).Msg("ignoring draft record")
		return []Draft{}, true
	}
	return drafts, true
}

func (c *Cache) write(drafts []Draft) bool {
	b, err := json.Marshal(drafts)
	if err != nil {
		log.Debug().Err(err).Msg("draft record marshal failed")
		return false
	}
	if err := c.storage.Put(RecordKey, b); err != nil {
		log.Debug().Err(err).Msg("draft storage write failed")
		return false
	}
	return true
}
