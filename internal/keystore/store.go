package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
)

// Store is the authoritative fingerprint -> Record map. All mutation methods
// sanitize their inputs, mark the snapshot dirty, and notify subscribers
// registered via OnChange. Snapshot flush is debounced on cfg.FlushInterval,
// matching the file-store write-coalescing the rest of this codebase uses;
// the final flush happens synchronously on Close.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	aliases map[string]string // alias -> fingerprint

	cfg    config.KeyStoreConfig
	logger zerolog.Logger

	dirty     bool
	stopFlush chan struct{}
	flushDone chan struct{}

	subsMu sync.Mutex
	subs   []func(fingerprint string, rec *Record)
}

// New constructs a Store, loading any existing snapshot from cfg.StatePath
// and seeding cfg.SeedKeys that are not already present.
func New(cfg config.KeyStoreConfig, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		records: make(map[string]*Record),
		aliases: make(map[string]string),
		cfg:     cfg,
		logger:  logger.With().Str("component", "keystore").Logger(),
	}

	if cfg.StatePath != "" {
		if err := s.load(); err != nil {
			s.logger.Warn().Err(err).Msg("keystore snapshot load failed, starting empty")
		}
	}

	for _, seed := range cfg.SeedKeys {
		if _, ok := s.getRaw(seed.Fingerprint); ok {
			continue
		}
		if _, err := s.ImportKey(seed.Fingerprint, seed.Name, seed.Credits, CreateOptions{
			Namespace:    seed.Namespace,
			AllowedTools: seed.AllowedTools,
			Tags:         seed.Tags,
		}); err != nil {
			s.logger.Warn().Err(err).Str("fingerprint", TruncateFingerprint(seed.Fingerprint)).Msg("seed key import failed")
		}
	}

	if cfg.StatePath != "" {
		s.stopFlush = make(chan struct{})
		s.flushDone = make(chan struct{})
		go s.periodicFlush()
	}

	return s, nil
}

// Close stops the background flush loop and performs a final synchronous
// snapshot if anything changed since the last tick.
func (s *Store) Close() error {
	if s.stopFlush == nil {
		return nil
	}
	close(s.stopFlush)
	<-s.flushDone

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		return s.saveLocked()
	}
	return nil
}

func (s *Store) periodicFlush() {
	defer close(s.flushDone)
	interval := s.cfg.FlushInterval.Duration
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopFlush:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.dirty {
				s.mu.Unlock()
				continue
			}
			s.dirty = false
			err := s.saveLocked()
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("keystore snapshot flush failed")
			}
		}
	}
}

// OnChange registers a callback invoked after every successful mutation,
// under no lock. Used by DistributedSync to mirror state.
func (s *Store) OnChange(fn func(fingerprint string, rec *Record)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(fp string, rec *Record) {
	s.subsMu.Lock()
	subs := make([]func(string, *Record), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(fp, rec)
	}
}

func (s *Store) markDirty() { s.dirty = true }

// TruncateFingerprint returns a log-safe prefix of a fingerprint, never the
// full secret. Matches the rest of the codebase's truncation convention.
func TruncateFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12] + "..."
}

func generateFingerprint(prefix string) (string, error) {
	b := make([]byte, 24) // 48 hex chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate fingerprint: %w", err)
	}
	if prefix == "" {
		prefix = "pg"
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

// CreateKey generates a fresh fingerprint and stores a sanitized record.
func (s *Store) CreateKey(name string, initialCredits int64, opts CreateOptions) (*Record, error) {
	fp, err := generateFingerprint(s.cfg.FingerprintPrefix)
	if err != nil {
		return nil, err
	}
	return s.ImportKey(fp, name, initialCredits, opts)
}

// ImportKey stores a sanitized record under a caller-supplied fingerprint.
// Used for createKey (caller passes a freshly generated fingerprint), config
// seeding, and cross-instance hydration.
func (s *Store) ImportKey(fingerprint, name string, initialCredits int64, opts CreateOptions) (*Record, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("keystore: fingerprint required")
	}

	now := time.Now().UTC()
	rec := &Record{
		Fingerprint:   fingerprint,
		Name:          sanitizeName(name, s.maxNameLength()),
		Alias:         strings.TrimSpace(opts.Alias),
		Namespace:     sanitizeNamespace(opts.Namespace),
		Group:         strings.TrimSpace(opts.Group),
		Credits:       clampCredits(initialCredits, s.maxCredits()),
		Active:        true,
		CreatedAt:     now,
		AllowedTools:  sanitizeStrings(opts.AllowedTools, s.maxTools()),
		DeniedTools:   sanitizeStrings(opts.DeniedTools, s.maxTools()),
		IPAllowlist:   sanitizeStrings(opts.IPAllowlist, s.maxTools()),
		SpendingLimit: opts.SpendingLimit,
		Tags:          sanitizeTags(opts.Tags, s.maxTags(), s.maxTagLength()),

		QuotaLastResetDay:   dayKey(now),
		QuotaLastResetMonth: monthKey(now),
		AutoTopupLastResetDay: dayKey(now),
	}
	if opts.ExpiresAt != nil {
		t := opts.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}

	s.mu.Lock()
	if rec.Alias != "" {
		if _, exists := s.aliases[rec.Alias]; exists {
			s.mu.Unlock()
			return nil, fmt.Errorf("keystore: alias %q already in use", rec.Alias)
		}
		if _, exists := s.records[rec.Alias]; exists {
			s.mu.Unlock()
			return nil, fmt.Errorf("keystore: alias %q collides with a fingerprint", rec.Alias)
		}
	}
	s.records[fingerprint] = rec
	if rec.Alias != "" {
		s.aliases[rec.Alias] = fingerprint
	}
	s.persistLockedOrMark()
	s.mu.Unlock()

	s.notify(fingerprint, rec.clone())
	return rec.clone(), nil
}

// persistLockedOrMark either snapshots synchronously (no background flush
// loop configured) or marks the map dirty for the next debounced tick.
// Must be called with s.mu held.
func (s *Store) persistLockedOrMark() {
	if s.cfg.StatePath == "" {
		return
	}
	if s.stopFlush == nil {
		if err := s.saveLocked(); err != nil {
			s.logger.Warn().Err(err).Msg("keystore snapshot write failed")
		}
		return
	}
	s.markDirty()
}

// getRaw returns the record regardless of active/expiry state.
func (s *Store) getRaw(fp string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	return rec, ok
}

// GetKeyRaw bypasses active/expiry checks; admin-only.
func (s *Store) GetKeyRaw(fp string) (*Record, bool) {
	rec, ok := s.getRaw(fp)
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// GetKey returns the record iff active and not past expiresAt.
func (s *Store) GetKey(fp string) (*Record, bool) {
	rec, ok := s.getRaw(fp)
	if !ok || !rec.Active {
		return nil, false
	}
	if rec.ExpiresAt != nil && time.Now().UTC().After(*rec.ExpiresAt) {
		return nil, false
	}
	return rec.clone(), true
}

// ResolveKey tries getKey by fingerprint, then by alias, then falls back to
// the raw (admin-visible) record so callers can distinguish "not found" from
// "found but inactive/expired".
func (s *Store) ResolveKey(fpOrAlias string) (*Record, bool) {
	if rec, ok := s.GetKey(fpOrAlias); ok {
		return rec, true
	}
	s.mu.RLock()
	fp, isAlias := s.aliases[fpOrAlias]
	s.mu.RUnlock()
	if isAlias {
		if rec, ok := s.GetKey(fp); ok {
			return rec, true
		}
		return s.GetKeyRaw(fp)
	}
	return s.GetKeyRaw(fpOrAlias)
}

// HasCredits reports whether the key currently holds at least amount credits.
func (s *Store) HasCredits(fp string, amount int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	if !ok {
		return false
	}
	return rec.Credits >= amount
}

// DeductCredits subtracts amount and bumps totalSpent/totalCalls. Fails if
// the balance is insufficient.
func (s *Store) DeductCredits(fp string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("keystore: deduct amount must be >= 0")
	}
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("keystore: key not found")
	}
	if rec.Credits < amount {
		s.mu.Unlock()
		return fmt.Errorf("keystore: insufficient credits")
	}
	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	now := time.Now().UTC()
	rec.LastUsedAt = &now
	s.persistLockedOrMark()
	clone := rec.clone()
	s.mu.Unlock()
	s.notify(fp, clone)
	return nil
}

// AddCredits increases the balance. Rejects amount <= 0.
func (s *Store) AddCredits(fp string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("keystore: add amount must be > 0")
	}
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("keystore: key not found")
	}
	rec.Credits = clampCredits(rec.Credits+amount, s.maxCredits())
	s.persistLockedOrMark()
	s.mu.Unlock()
	s.notify(fp, rec.clone())
	return nil
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.AllowedTools = append([]string(nil), r.AllowedTools...)
	c.DeniedTools = append([]string(nil), r.DeniedTools...)
	c.IPAllowlist = append([]string(nil), r.IPAllowlist...)
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	if r.Quota != nil {
		q := *r.Quota
		c.Quota = &q
	}
	if r.AutoTopup != nil {
		a := *r.AutoTopup
		c.AutoTopup = &a
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (s *Store) maxNameLength() int {
	if s.cfg.MaxNameLength > 0 {
		return s.cfg.MaxNameLength
	}
	return 200
}

func (s *Store) maxCredits() int64 {
	if s.cfg.MaxCredits > 0 {
		return s.cfg.MaxCredits
	}
	return 1_000_000_000
}

func (s *Store) maxTools() int {
	if s.cfg.MaxTools > 0 {
		return s.cfg.MaxTools
	}
	return 100
}

func (s *Store) maxTags() int {
	if s.cfg.MaxTags > 0 {
		return s.cfg.MaxTags
	}
	return 50
}

func (s *Store) maxTagLength() int {
	if s.cfg.MaxTagLength > 0 {
		return s.cfg.MaxTagLength
	}
	return 100
}

// snapshotEntry mirrors the on-disk [fingerprint, record] pair format.
type snapshotEntry struct {
	Fingerprint string `json:"fingerprint"`
	Record      Record `json:"record"`
}

// saveLocked serializes the full map and atomically renames it into place.
// Must be called with s.mu held. Persistence is best-effort: errors are
// returned to the caller for logging but never surfaced to the mutation's
// original caller.
func (s *Store) saveLocked() error {
	entries := make([]snapshotEntry, 0, len(s.records))
	for fp, rec := range s.records {
		entries = append(entries, snapshotEntry{Fingerprint: fp, Record: *rec})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Fingerprint < entries[j].Fingerprint })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore snapshot: %w", err)
	}

	dir := filepath.Dir(s.cfg.StatePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create keystore state dir: %w", err)
		}
	}

	tmpPath := s.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write keystore snapshot tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.cfg.StatePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename keystore snapshot: %w", err)
	}
	return nil
}

// load reads an existing snapshot, tolerating malformed entries by skipping
// them individually rather than failing the whole load.
func (s *Store) load() error {
	data, err := os.ReadFile(s.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read keystore snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal keystore snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range raw {
		var se snapshotEntry
		if err := json.Unmarshal(entry, &se); err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed keystore snapshot entry")
			continue
		}
		if se.Fingerprint == "" {
			continue
		}
		rec := se.Record
		rec.Fingerprint = se.Fingerprint
		s.records[se.Fingerprint] = &rec
		if rec.Alias != "" {
			s.aliases[rec.Alias] = se.Fingerprint
		}
	}
	return nil
}
