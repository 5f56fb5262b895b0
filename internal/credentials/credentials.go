// Package credentials models the session-scoped key/value store holding the
// user's upstream API key, AI key and datastore URL.
//
// The remote-job client only ever reads from a Source. Writes belong to the
// settings surface and go through MemoryStore.Set, which normalizes pasted
// values before storing them.
package credentials

import (
	"strings"
	"sync"
)

// Key names one credential slot.
type Key string

const (
	APIKey      Key = "TENSORLAKE_API_KEY"
	AIKey       Key = "GEMINI_API_KEY"
	DatabaseURL Key = "DATABASE_URL"
)

// Keys lists every slot in display order.
var Keys = []Key{APIKey, AIKey, DatabaseURL}

// Credentials is a point-in-time snapshot of all slots.
type Credentials struct {
	APIKey      string
	AIKey       string
	DatabaseURL string
}

// Source is the read-only view of the credential store.
type Source interface {
	Credentials() Credentials
}

// Static is a Source that always returns the same snapshot.
type Static Credentials

// Credentials implements Source.
func (s Static) Credentials() Credentials {
	return Credentials(s)
}

// MemoryStore is a concurrency-safe in-memory credential store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]string)}
}

// Set normalizes value and stores it. An empty value after normalization
// removes the slot.
func (s *MemoryStore) Set(key Key, value string) {
	value = Normalize(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}

// Get returns the stored value for key, or "" when the slot is empty.
func (s *MemoryStore) Get(key Key) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Credentials implements Source.
func (s *MemoryStore) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Credentials{
		APIKey:      s.values[APIKey],
		AIKey:       s.values[AIKey],
		DatabaseURL: s.values[DatabaseURL],
	}
}

// Normalize trims whitespace and one pair of matching surrounding quotes, a
// common artifact of copying values out of .env files.
func Normalize(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '\'' || first == '"') && first == last {
			value = strings.TrimSpace(value[1 : len(value)-1])
		}
	}
	return value
}
