package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CachedCalls is the render-ready snapshot a device keeps across reloads.
type CachedCalls struct {
	CalledNumbers []int     `json:"called_numbers"`
	LastCalled    *int      `json:"last_called,omitempty"`
	Generation    int       `json:"generation"`
	Timestamp     time.Time `json:"timestamp"`
}

// LocalCache persists per-session call snapshots to the device filesystem.
// It is private per device and never contested: used only as a stale
// fallback while authoritative state is fetched.
type LocalCache struct {
	dir string
	mu  sync.Mutex
}

// NewLocalCache creates a cache rooted at dir, creating it if needed.
func NewLocalCache(dir string) (*LocalCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &LocalCache{dir: dir}, nil
}

// Load reads the cached snapshot for a session. Returns ErrNotFound when the
// device has no snapshot.
func (c *LocalCache) Load(sessionID uuid.UUID) (*CachedCalls, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}
	var cached CachedCalls
	if err := json.Unmarshal(data, &cached); err != nil {
		// A corrupt snapshot is indistinguishable from no snapshot.
		return nil, ErrNotFound
	}
	return &cached, nil
}

// Save writes the snapshot atomically so a crash mid-write never leaves a
// torn cache file.
func (c *LocalCache) Save(sessionID uuid.UUID, cached *CachedCalls) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	path := c.path(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// Clear removes the snapshot for a session.
func (c *LocalCache) Clear(sessionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func (c *LocalCache) path(sessionID uuid.UUID) string {
	return filepath.Join(c.dir, sessionID.String()+".json")
}
