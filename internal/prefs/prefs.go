// Package prefs persists small pieces of dashboard state (last location, unit, search
// history, refresh timestamps) as JSON values under string keys.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Keys used by the dashboard.
const (
	KeyLastLocation    = "lastLocation"
	KeyTemperatureUnit = "temperatureUnit"
	KeySearchHistory   = "placesSearchHistory"
)

// LastUpdateKey returns the key holding the last refresh time of a data type.
func LastUpdateKey(dataType string) string {
	return "lastUpdate_" + dataType
}

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("preference store closed")

// Store is a key/value store of JSON-encoded values.
type Store interface {
	// Load decodes the value under key into dst. found is false when the key is absent.
	Load(key string, dst any) (found bool, err error)
	Save(key string, value any) error
	Remove(key string) error
}

// MemoryStore keeps values in memory. The zero value is ready to use.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Save(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[key] = raw
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}
