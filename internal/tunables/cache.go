package tunables

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// SystemFingerprint keys the single tunables object shared by every group
// when tunables are system-wide.
const SystemFingerprint = "system"

// Constructor builds a fresh tunables object for a fingerprint seen for the
// first time. An error fails only the group that asked for it.
type Constructor func(fingerprint string) (*Tunables, error)

type cacheEntry struct {
	tunables *Tunables
	refs     int
}

// Cache hands out tunables keyed by group topology. Entries survive a drop to
// zero references so a group that stops and starts again with the same CPUs
// keeps its runtime settings.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	newFn   Constructor
}

func NewCache(newFn Constructor) *Cache {
	return &Cache{entries: make(map[string]*cacheEntry), newFn: newFn}
}

// Acquire returns the tunables for fingerprint, constructing them if needed,
// and takes a reference. reused is true when an existing object was returned.
func (c *Cache) Acquire(fingerprint string) (t *Tunables, reused bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fingerprint]; ok {
		e.refs++
		return e.tunables, true, nil
	}
	t, err = c.newFn(fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("allocate tunables for %s: %w", fingerprint, err)
	}
	c.entries[fingerprint] = &cacheEntry{tunables: t, refs: 1}
	return t, false, nil
}

// Release drops a reference and returns the remaining count.
func (c *Cache) Release(fingerprint string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || e.refs == 0 {
		return 0, fmt.Errorf("release of unreferenced tunables %s", fingerprint)
	}
	e.refs--
	return e.refs, nil
}

func (c *Cache) RefCount(fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok {
		return e.refs
	}
	return 0
}

// Fingerprint renders cpus as a canonical range list such as "0-3,6".
func Fingerprint(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(prev))
		}
	}
	for _, cpu := range sorted[1:] {
		if cpu == prev {
			continue
		}
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush()
		start, prev = cpu, cpu
	}
	flush()
	return strings.Join(parts, ",")
}
