package downloader

import (
	"path/filepath"
	"sync"
)

// PathRegistry tracks output paths owned by live tasks so two downloads
// never write the same file unnoticed.
type PathRegistry struct {
	mu    sync.Mutex
	owned map[string]int
}

// NewPathRegistry creates an empty registry.
func NewPathRegistry() *PathRegistry {
	return &PathRegistry{owned: make(map[string]int)}
}

// Claim records one more owner of path and reports whether it was already owned.
func (r *PathRegistry) Claim(path string) (duplicate bool) {
	key := normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	duplicate = r.owned[key] > 0
	r.owned[key]++

	return duplicate
}

// Release drops one owner of path.
func (r *PathRegistry) Release(path string) {
	key := normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owned[key] <= 1 {
		delete(r.owned, key)

		return
	}

	r.owned[key]--
}

// InUse reports whether any live task owns path.
func (r *PathRegistry) InUse(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.owned[normalizePath(path)] > 0
}

func normalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return filepath.Clean(path)
}
