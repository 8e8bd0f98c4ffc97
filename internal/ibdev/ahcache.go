package ibdev

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/rdmakit/ibcore/internal/telemetry"
	"github.com/rdmakit/ibcore/internal/verbs"
)

// AHCache memoizes provider address handles by their full routing
// attributes. Keys compare exactly, field for field: two semantically
// equivalent attrs that differ in any byte are distinct entries. That is
// deliberately over-conservative; a spurious miss only costs one extra
// provider call.
//
// The cache never evicts. Handles are destroyed in bulk at device
// cleanup and at no other time, so a returned handle stays valid for the
// life of the device.
type AHCache struct {
	// mu is held across the provider's create call: creation must be
	// at-most-once per key even under concurrent misses.
	mu       sync.Mutex
	provider verbs.Provider
	entries  map[verbs.AHAttr]verbs.AH
	metrics  *telemetry.Metrics
}

// NewAHCache creates an empty cache backed by provider.
func NewAHCache(provider verbs.Provider, metrics *telemetry.Metrics) *AHCache {
	return &AHCache{
		provider: provider,
		entries:  make(map[verbs.AHAttr]verbs.AH),
		metrics:  metrics,
	}
}

// GetOrCreate returns the cached handle for attr, creating it within pd
// on first use. usage names the caller for diagnostics. A provider
// timeout maps to ErrEndpointTimeout, any other failure to
// ErrInvalidAddr.
func (c *AHCache) GetOrCreate(attr verbs.AHAttr, pd verbs.PD, usage string) (verbs.AH, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ah, ok := c.entries[attr]; ok {
		c.metrics.RecordAHCacheHit(c.provider.Name())
		return ah, nil
	}

	ah, err := c.provider.CreateAH(pd, attr)
	if err != nil {
		log.Error().
			Str("device", c.provider.Name()).
			Str("usage", usage).
			Str("ah_attr", AHAttrString(&attr)).
			Err(err).
			Msg("address handle creation failed")
		if errors.Is(err, unix.ETIMEDOUT) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("create address handle for %s: %w", usage, ErrEndpointTimeout)
		}
		return nil, fmt.Errorf("create address handle for %s: %w", usage, ErrInvalidAddr)
	}

	c.entries[attr] = ah
	c.metrics.RecordAHCacheMiss(c.provider.Name())
	return ah, nil
}

// Len returns the number of cached handles.
func (c *AHCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup destroys every cached handle. Called exactly once, at device
// cleanup; handles must not be used afterwards.
func (c *AHCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for attr, ah := range c.entries {
		if err := c.provider.DestroyAH(ah); err != nil {
			log.Debug().
				Str("device", c.provider.Name()).
				Str("ah_attr", AHAttrString(&attr)).
				Err(err).
				Msg("destroy cached address handle failed")
		}
	}
	c.entries = make(map[verbs.AHAttr]verbs.AH)
}
