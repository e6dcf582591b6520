// tenant.go - Per-tenant extraction configuration with in-memory caching

package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
)

const cacheTTL = 5 * time.Minute

// Config is one tenant's extraction setup: the instruction text sent to the
// model and the industry schema their rows are tagged with.
type Config struct {
	Username string `bson:"username"`
	Industry string `bson:"industry"`
	Prompt   string `bson:"prompt"`
}

type cacheEntry struct {
	config   *Config
	loadedAt time.Time
}

// Source loads tenant configs from the user_configs table, caching each
// tenant for a short TTL so batch workers do not hammer the store.
type Source struct {
	store storage.RecordStore
	log   *logrus.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewSource(store storage.RecordStore, log *logrus.Logger) *Source {
	return &Source{
		store: store,
		log:   log,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns the tenant's config, from cache when fresh. A tenant with no
// stored config is an error; every tenant must be provisioned before
// processing.
func (s *Source) Get(ctx context.Context, username string) (*Config, error) {
	s.mu.RLock()
	entry, ok := s.cache[username]
	s.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < cacheTTL {
		return entry.config, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check after taking the write lock.
	entry, ok = s.cache[username]
	if ok && time.Since(entry.loadedAt) < cacheTTL {
		return entry.config, nil
	}

	recs, err := s.store.Query(storage.TableUserConfigs).
		Eq("username", username).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", username, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("no config found for user: %s", username)
	}

	var cfg Config
	if err := storage.Decode(recs[0], &cfg); err != nil {
		return nil, fmt.Errorf("malformed config for %s: %w", username, err)
	}

	s.cache[username] = cacheEntry{config: &cfg, loadedAt: time.Now()}
	s.log.WithField("username", username).Debug("Tenant config loaded")
	return &cfg, nil
}

// Invalidate drops a tenant's cached config, forcing the next Get to hit
// the store. Used after config updates.
func (s *Source) Invalidate(username string) {
	s.mu.Lock()
	delete(s.cache, username)
	s.mu.Unlock()
}
