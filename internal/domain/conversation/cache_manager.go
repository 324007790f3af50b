package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

// DefaultCacheTokenThreshold and DefaultCacheTimeout mirror the
// config defaults (cache_tokens_threshold, cache_timeout_seconds).
const (
	DefaultCacheTokenThreshold = 2048
	DefaultCacheTimeout        = 240 * time.Second
)

// CacheManager annotates up to two messages with cached=true, the sole
// state the two-marker cache-checkpoint system tracks. It
// never talks to a provider; downstream translation into provider
// cache-control directives happens outside this package.
type CacheManager struct {
	mu sync.Mutex

	store  *Store
	ledger *Ledger

	tokenThreshold  int64
	timeout         time.Duration
	supportsCaching bool

	markers          []int // store indices, oldest first, len <= 2
	lastCheckpointAt time.Time
}

// NewCacheManager creates a CacheManager. supportsCaching gates
// auto-advance only — an explicit user mark is always honored.
func NewCacheManager(store *Store, ledger *Ledger, tokenThreshold int64, timeout time.Duration, supportsCaching bool) *CacheManager {
	if tokenThreshold <= 0 {
		tokenThreshold = DefaultCacheTokenThreshold
	}
	if timeout <= 0 {
		timeout = DefaultCacheTimeout
	}
	return &CacheManager{
		store:            store,
		ledger:           ledger,
		tokenThreshold:   tokenThreshold,
		timeout:          timeout,
		supportsCaching:  supportsCaching,
		lastCheckpointAt: time.Now(),
	}
}

// ExplicitMark marks the newest user message as cached, per the user's
// direct request. It is exempt from the token/time triggers.
func (c *CacheManager) ExplicitMark() error {
	msgs := c.store.Messages()
	idx := lastIndexWithRole(msgs, entity.RoleUser)
	if idx < 0 {
		return fmt.Errorf("conversation: no user message to mark")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placeMarkerLocked(idx)
}

// AfterUserMessage is the trigger point following a fresh user turn: it
// checks the auto-advance and time-based conditions against the newest
// user message as the candidate checkpoint.
func (c *CacheManager) AfterUserMessage() (placed bool, err error) {
	msgs := c.store.Messages()
	idx := lastIndexWithRole(msgs, entity.RoleUser)
	if idx < 0 {
		return false, nil
	}
	return c.maybeAutoAdvance(idx)
}

// AfterToolResult is the per-tool-result hook: re-checked
// every time a tool message is appended so long tool chains cache promptly.
func (c *CacheManager) AfterToolResult(toolMessageIndex int) (placed bool, err error) {
	return c.maybeAutoAdvance(toolMessageIndex)
}

func (c *CacheManager) maybeAutoAdvance(candidateIdx int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.supportsCaching {
		return false, nil
	}

	crossedTokens := c.ledger.CurrentNonCachedTokens() >= c.tokenThreshold
	crossedTime := time.Since(c.lastCheckpointAt) >= c.timeout

	if !crossedTokens && !crossedTime {
		return false, nil
	}
	if err := c.placeMarkerLocked(candidateIdx); err != nil {
		return false, err
	}
	return true, nil
}

// placeMarkerLocked enforces the two-marker invariant: if two markers are
// already live, the oldest is cleared before the new one is placed, so the
// two live markers always cover (older checkpoint, newer checkpoint).
// Caller must hold c.mu.
func (c *CacheManager) placeMarkerLocked(idx int) error {
	if len(c.markers) >= 2 {
		oldest := c.markers[0]
		if err := c.store.ClearCached(oldest); err != nil {
			return err
		}
		c.markers = c.markers[1:]
	}
	if err := c.store.MarkCached(idx); err != nil {
		return err
	}
	c.markers = append(c.markers, idx)
	c.lastCheckpointAt = time.Now()
	c.ledger.ResetCacheWindow()
	return nil
}

// Markers returns the live checkpoint indices, oldest first (len <= 2).
func (c *CacheManager) Markers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.markers...)
}

// Resync recomputes marker indices from the store's current cached flags.
// Required after the Context Truncator rebuilds the message sequence,
// since a rebuild shifts positions but entity.Message carries its own
// cached flag through the rebuild untouched.
func (c *CacheManager) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = append([]int(nil), c.store.CachedIndices()...)
}

func lastIndexWithRole(msgs []*entity.Message, role entity.Role) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == role {
			return i
		}
	}
	return -1
}
