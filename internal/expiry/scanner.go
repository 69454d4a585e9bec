// Package expiry holds the two time-driven components spec.md §4.5
// describes: a periodic key-expiry warning scanner, and an independent pool
// of time-bounded credit grants consumed FIFO by soonest-expiring-first.
package expiry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
)

// WarnFunc is invoked at most once per (fingerprint, threshold) pair until
// that pair's dedup entry ages out; each tick considers only the smallest
// threshold a key falls within.
type WarnFunc func(fingerprint string, keyName string, threshold time.Duration, expiresAt time.Time)

// Scanner ticks on an interval and emits warnings for keys approaching
// expiry, deduplicated so the same (key, threshold) pair never fires twice
// until the dedup entry ages out.
type Scanner struct {
	keys       *keystore.Store
	thresholds []time.Duration // descending
	interval   time.Duration
	onWarn     WarnFunc
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu    sync.Mutex
	dedup map[string]time.Time // "fingerprint|threshold" -> fired at

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scanner. interval is floored to 60s per spec.md §4.5.
func New(keys *keystore.Store, thresholds []time.Duration, interval time.Duration, onWarn WarnFunc, m *metrics.Metrics, logger zerolog.Logger) *Scanner {
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	sorted := append([]time.Duration(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return &Scanner{
		keys:       keys,
		thresholds: sorted,
		interval:   interval,
		onWarn:     onWarn,
		metrics:    m,
		logger:     logger.With().Str("component", "expiry_scanner").Logger(),
		dedup:      make(map[string]time.Time),
	}
}

// Start launches the background tick loop.
func (s *Scanner) Start() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

// Close stops the loop and waits for it to exit, satisfying io.Closer for
// lifecycle.Manager registration.
func (s *Scanner) Close() error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	return nil
}

func (s *Scanner) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scanner) tick() {
	now := time.Now().UTC()
	s.cleanupDedup(now)

	list := s.keys.ExportKeys("")
	for _, rec := range list {
		if !rec.Active || rec.ExpiresAt == nil {
			continue
		}
		if !rec.ExpiresAt.After(now) {
			continue // already expired, not "approaching"
		}
		s.warnMostSpecific(rec.Fingerprint, rec.Name, *rec.ExpiresAt, now)
	}
}

// warnMostSpecific finds the smallest configured threshold the record
// currently falls within and fires exactly one warning for it per tick.
func (s *Scanner) warnMostSpecific(fingerprint, name string, expiresAt, now time.Time) {
	remaining := expiresAt.Sub(now)
	// thresholds is sorted descending; the smallest (most specific) threshold
	// that still exceeds remaining-until-expiry time is the last match.
	var chosen time.Duration
	found := false
	for i := len(s.thresholds) - 1; i >= 0; i-- {
		if remaining <= s.thresholds[i] {
			chosen = s.thresholds[i]
			found = true
			break
		}
	}
	if !found {
		return
	}

	key := dedupKey(fingerprint, chosen)
	s.mu.Lock()
	if _, already := s.dedup[key]; already {
		s.mu.Unlock()
		return
	}
	s.dedup[key] = now
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ExpiryWarningsTotal.Inc()
	}
	if s.onWarn != nil {
		s.onWarn(fingerprint, name, chosen, expiresAt)
	}
}

func (s *Scanner) cleanupDedup(now time.Time) {
	if len(s.thresholds) == 0 {
		return
	}
	largest := s.thresholds[0]
	cutoff := now.Add(-2 * largest)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, firedAt := range s.dedup {
		if firedAt.Before(cutoff) {
			delete(s.dedup, key)
		}
	}
}

func dedupKey(fingerprint string, threshold time.Duration) string {
	return fingerprint + "|" + threshold.String()
}

// QueryExpiring is a read-only helper: which of the given records expire
// within withinSeconds.
func QueryExpiring(records []keystore.Record, withinSeconds int64) []keystore.Record {
	now := time.Now().UTC()
	cutoff := now.Add(time.Duration(withinSeconds) * time.Second)
	out := make([]keystore.Record, 0)
	for _, rec := range records {
		if !rec.Active || rec.ExpiresAt == nil {
			continue
		}
		if rec.ExpiresAt.After(now) && !rec.ExpiresAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}
