package cache

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Manager is the hot cache in front of replica reads. The poller flushes it
// after every completed sync so API consumers never see pre-sync listings.
type Manager struct {
	cache *cache.Cache
}

func NewManager(defaultTTL time.Duration) *Manager {
	return &Manager{
		cache: cache.New(defaultTTL, 10*time.Minute),
	}
}

func (m *Manager) Get(key string) (interface{}, bool) {
	return m.cache.Get(key)
}

func (m *Manager) Set(key string, value interface{}, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
}

func (m *Manager) Delete(key string) {
	m.cache.Delete(key)
}

func (m *Manager) Flush() {
	m.cache.Flush()
}

// FoldersKey is the cache key for the folder listing.
func FoldersKey() string { return "folders" }

// SubscriptionsKey is the cache key for the subscription listing.
func SubscriptionsKey() string { return "subscriptions" }

// ItemsKey builds the cache key for one item listing request.
func ItemsKey(containerID string, unreadOnly bool, lang, filter, orderBy string, top, skip int) string {
	return fmt.Sprintf("items:%s:%t:%s:%s:%s:%d:%d", containerID, unreadOnly, lang, filter, orderBy, top, skip)
}
