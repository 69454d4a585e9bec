package expiry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygate-dev/paygate/internal/metrics"
)

// ErrGrantCapacity is returned when a key already holds the maximum number
// of tracked grants.
var ErrGrantCapacity = errors.New("expiry: grant capacity exceeded for key")

// ErrKeyCapacity is returned when the manager already tracks the maximum
// number of distinct keys and the requested key is not among them.
var ErrKeyCapacity = errors.New("expiry: tracked key capacity exceeded")

// Grant is a time-bounded credit pool, separate from a key's standing
// credits balance. Consumption is FIFO by expiresAt ascending.
type Grant struct {
	ID              string
	Key             string
	OriginalAmount  int64
	RemainingAmount int64
	GrantedAt       time.Time
	ExpiresAt       time.Time
	Expired         bool
	Source          string
}

// ConsumeResult is returned by CreditExpirationManager.Consume.
type ConsumeResult struct {
	Consumed   int64
	Remaining  int64 // amount of the request left unsatisfied
	GrantsUsed int
}

const (
	defaultMaxGrantsPerKey = 100
	defaultMaxTrackedKeys  = 10000
)

// CreditExpirationManager owns the grants table. All access to grants for a
// key goes through its methods; no other component mutates the slice
// directly.
type CreditExpirationManager struct {
	mu           sync.Mutex
	grants       map[string][]*Grant // key -> grants, kept sorted by ExpiresAt asc
	maxPerKey    int
	maxKeys      int
	metrics      *metrics.Metrics
}

// NewCreditExpirationManager constructs an empty manager. maxPerKey and
// maxKeys default to 100 and 10000 respectively when <= 0.
func NewCreditExpirationManager(maxPerKey, maxKeys int, m *metrics.Metrics) *CreditExpirationManager {
	if maxPerKey <= 0 {
		maxPerKey = defaultMaxGrantsPerKey
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxTrackedKeys
	}
	return &CreditExpirationManager{
		grants:    make(map[string][]*Grant),
		maxPerKey: maxPerKey,
		maxKeys:   maxKeys,
		metrics:   m,
	}
}

// Grant adds a new time-bounded credit pool for key, expiring after ttl.
func (m *CreditExpirationManager) Grant(key string, amount int64, ttl time.Duration, source string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, tracked := m.grants[key]
	if !tracked && len(m.grants) >= m.maxKeys {
		return Grant{}, ErrKeyCapacity
	}
	if len(existing) >= m.maxPerKey {
		return Grant{}, ErrGrantCapacity
	}

	now := time.Now().UTC()
	g := &Grant{
		ID:              uuid.NewString(),
		Key:             key,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		GrantedAt:       now,
		ExpiresAt:       now.Add(ttl),
		Source:          source,
	}
	list := append(existing, g)
	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(list[j].ExpiresAt) })
	m.grants[key] = list
	return *g, nil
}

// Consume satisfies amount from key's active grants, earliest-expiring
// first, pruning expired grants first. Partial satisfaction is reflected in
// Remaining.
func (m *CreditExpirationManager) Consume(key string, amount int64) ConsumeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneExpiredLocked(key, time.Now().UTC())

	var consumed int64
	var used int
	remaining := amount
	for _, g := range m.grants[key] {
		if remaining <= 0 {
			break
		}
		if g.Expired || g.RemainingAmount <= 0 {
			continue
		}
		take := g.RemainingAmount
		if take > remaining {
			take = remaining
		}
		g.RemainingAmount -= take
		remaining -= take
		consumed += take
		used++
	}
	if consumed > 0 && m.metrics != nil {
		m.metrics.GrantsConsumedTotal.Add(float64(consumed))
	}
	return ConsumeResult{Consumed: consumed, Remaining: remaining, GrantsUsed: used}
}

// PruneExpired sweeps key's grants, marking those past expiry and debiting
// their remaining amount to the expired total returned.
func (m *CreditExpirationManager) PruneExpired(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneExpiredLocked(key, time.Now().UTC())
}

func (m *CreditExpirationManager) pruneExpiredLocked(key string, now time.Time) int64 {
	var totalExpired int64
	for _, g := range m.grants[key] {
		if g.Expired {
			continue
		}
		if !g.ExpiresAt.After(now) {
			totalExpired += g.RemainingAmount
			g.RemainingAmount = 0
			g.Expired = true
			if m.metrics != nil {
				m.metrics.GrantsExpiredTotal.Inc()
			}
		}
	}
	return totalExpired
}

// GetExpiringSoon returns key's active grants expiring within withinMs of
// now, sorted ascending by expiry.
func (m *CreditExpirationManager) GetExpiringSoon(key string, withinMs int64) []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(time.Duration(withinMs) * time.Millisecond)
	out := make([]Grant, 0)
	for _, g := range m.grants[key] {
		if g.Expired || !g.ExpiresAt.After(now) || g.ExpiresAt.After(cutoff) {
			continue
		}
		out = append(out, *g)
	}
	return out
}

// Balance returns the sum of remaining amounts across key's active,
// non-expired grants.
func (m *CreditExpirationManager) Balance(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, g := range m.grants[key] {
		if !g.Expired {
			total += g.RemainingAmount
		}
	}
	return total
}
