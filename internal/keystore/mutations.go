package keystore

import (
	"fmt"
	"strings"
	"time"
)

// SetACL replaces allowedTools/deniedTools for a key.
func (s *Store) SetACL(fp string, allowed, denied []string) error {
	return s.mutate(fp, func(rec *Record) error {
		rec.AllowedTools = sanitizeStrings(allowed, s.maxTools())
		rec.DeniedTools = sanitizeStrings(denied, s.maxTools())
		return nil
	})
}

// SetIPAllowlist replaces the IP/CIDR allowlist for a key.
func (s *Store) SetIPAllowlist(fp string, ips []string) error {
	return s.mutate(fp, func(rec *Record) error {
		rec.IPAllowlist = sanitizeStrings(ips, s.maxTools())
		return nil
	})
}

// SetTags replaces the tag map for a key.
func (s *Store) SetTags(fp string, tags map[string]string) error {
	return s.mutate(fp, func(rec *Record) error {
		rec.Tags = sanitizeTags(tags, s.maxTags(), s.maxTagLength())
		return nil
	})
}

// SetQuota replaces the per-key quota override. Pass nil to clear it.
func (s *Store) SetQuota(fp string, quota *QuotaOverride) error {
	return s.mutate(fp, func(rec *Record) error {
		rec.Quota = quota
		return nil
	})
}

// SetExpiry sets or clears the key's wall-clock expiry.
func (s *Store) SetExpiry(fp string, expiresAt *time.Time) error {
	return s.mutate(fp, func(rec *Record) error {
		if expiresAt == nil {
			rec.ExpiresAt = nil
			return nil
		}
		t := expiresAt.UTC()
		rec.ExpiresAt = &t
		return nil
	})
}

// SetAutoTopup replaces the auto-topup policy. Pass nil to disable it.
func (s *Store) SetAutoTopup(fp string, policy *AutoTopupPolicy) error {
	return s.mutate(fp, func(rec *Record) error {
		rec.AutoTopup = policy
		return nil
	})
}

// SetAlias assigns or clears a key's alias. Fails if the alias collides with
// another alias or any fingerprint.
func (s *Store) SetAlias(fp, alias string) error {
	alias = strings.TrimSpace(alias)
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("keystore: key not found")
	}
	if alias != "" {
		if owner, exists := s.aliases[alias]; exists && owner != fp {
			s.mu.Unlock()
			return fmt.Errorf("keystore: alias %q already in use", alias)
		}
		if _, exists := s.records[alias]; exists && alias != fp {
			s.mu.Unlock()
			return fmt.Errorf("keystore: alias %q collides with a fingerprint", alias)
		}
	}
	if rec.Alias != "" {
		delete(s.aliases, rec.Alias)
	}
	rec.Alias = alias
	if alias != "" {
		s.aliases[alias] = fp
	}
	s.persistLockedOrMark()
	clone := rec.clone()
	s.mu.Unlock()
	s.notify(fp, clone)
	return nil
}

// SetSpendingLimit replaces a key's lifetime spending ceiling. Zero means
// unlimited.
func (s *Store) SetSpendingLimit(fp string, limit int64) error {
	return s.mutate(fp, func(rec *Record) error {
		if limit < 0 {
			limit = 0
		}
		rec.SpendingLimit = limit
		return nil
	})
}

// SetCountersClamped overwrites totalSpent/totalCalls directly, used only by
// Gate.Refund to apply the clamped values spec.md's refund semantics call
// for. Both values are floored at zero by the caller before this is invoked.
func (s *Store) SetCountersClamped(fp string, totalSpent, totalCalls int64) error {
	return s.mutate(fp, func(rec *Record) error {
		if totalSpent < 0 {
			totalSpent = 0
		}
		if totalCalls < 0 {
			totalCalls = 0
		}
		rec.TotalSpent = totalSpent
		rec.TotalCalls = totalCalls
		return nil
	})
}

// mutate applies fn to the record under lock, persists, and notifies.
func (s *Store) mutate(fp string, fn func(rec *Record) error) error {
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("keystore: key not found")
	}
	if err := fn(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.persistLockedOrMark()
	clone := rec.clone()
	s.mu.Unlock()
	s.notify(fp, clone)
	return nil
}

// RotateKey generates a new fingerprint, copies all state across, and marks
// the old record inactive. Both records remain in the map for audit history.
func (s *Store) RotateKey(oldFp string) (*Record, error) {
	s.mu.Lock()
	old, ok := s.records[oldFp]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("keystore: key not found")
	}
	newFp, err := generateFingerprint(s.cfg.FingerprintPrefix)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next := old.clone()
	next.Fingerprint = newFp
	next.CreatedAt = time.Now().UTC()
	old.Active = false

	s.records[newFp] = next
	if next.Alias != "" {
		// alias moves to the new record
		s.aliases[next.Alias] = newFp
	}
	s.persistLockedOrMark()
	oldClone := old.clone()
	newClone := next.clone()
	s.mu.Unlock()

	s.notify(oldFp, oldClone)
	s.notify(newFp, newClone)
	return newClone, nil
}

// SuspendKey reversibly pauses a key. Fails if the key is inactive.
func (s *Store) SuspendKey(fp string) error {
	return s.mutate(fp, func(rec *Record) error {
		if !rec.Active {
			return fmt.Errorf("keystore: key is revoked")
		}
		rec.Suspended = true
		return nil
	})
}

// ResumeKey reverses SuspendKey. Fails if the key is inactive.
func (s *Store) ResumeKey(fp string) error {
	return s.mutate(fp, func(rec *Record) error {
		if !rec.Active {
			return fmt.Errorf("keystore: key is revoked")
		}
		rec.Suspended = false
		return nil
	})
}

// RevokeKey sets active=false. Idempotent.
func (s *Store) RevokeKey(fp string) error {
	return s.mutate(fp, func(rec *Record) error {
		rec.Active = false
		return nil
	})
}

// CloneOverrides carries the fields CloneKey may override from the source.
type CloneOverrides struct {
	Name    *string
	Credits *int64
}

// CloneKey deep-copies a record's arrays/objects into a fresh fingerprint
// with zeroed counters, a new createdAt, and neither suspended nor
// lastUsedAt carried over.
func (s *Store) CloneKey(srcFp string, overrides CloneOverrides) (*Record, error) {
	s.mu.RLock()
	src, ok := s.records[srcFp]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keystore: key not found")
	}

	name := src.Name
	if overrides.Name != nil {
		name = *overrides.Name
	}
	credits := src.Credits
	if overrides.Credits != nil {
		credits = *overrides.Credits
	}

	opts := CreateOptions{
		Namespace:     src.Namespace,
		Group:         src.Group,
		AllowedTools:  src.AllowedTools,
		DeniedTools:   src.DeniedTools,
		IPAllowlist:   src.IPAllowlist,
		Tags:          src.Tags,
		SpendingLimit: src.SpendingLimit,
	}
	out, err := s.CreateKey(name, credits, opts)
	if err != nil || (src.Quota == nil && src.AutoTopup == nil) {
		return out, err
	}
	objs := src.clone()
	if err := s.mutate(out.Fingerprint, func(rec *Record) error {
		rec.Quota, rec.AutoTopup = objs.Quota, objs.AutoTopup
		return nil
	}); err != nil {
		return nil, err
	}
	rec, _ := s.GetKeyRaw(out.Fingerprint)
	return rec, nil
}

// ExportKeys returns full records (including fingerprint) matching an
// optional namespace filter, for backup. Empty namespace exports everything.
func (s *Store) ExportKeys(namespace string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if namespace != "" && rec.Namespace != namespace {
			continue
		}
		out = append(out, *rec.clone())
	}
	return out
}

// ImportKeys bulk-loads records, re-sanitizing on ingest and rebuilding the
// alias index. mode controls duplicate handling.
func (s *Store) ImportKeys(records []Record, mode ImportMode) []ImportResult {
	results := make([]ImportResult, 0, len(records))
	for _, rec := range records {
		res := ImportResult{Fingerprint: rec.Fingerprint}
		if rec.Fingerprint == "" {
			res.Error = "missing fingerprint"
			results = append(results, res)
			continue
		}

		s.mu.Lock()
		_, exists := s.records[rec.Fingerprint]
		if exists {
			switch mode {
			case ImportSkip:
				s.mu.Unlock()
				res.Skipped = true
				results = append(results, res)
				continue
			case ImportError:
				s.mu.Unlock()
				res.Error = "fingerprint already exists"
				results = append(results, res)
				continue
			}
			// ImportOverwrite falls through
		}

		sanitized := rec
		sanitized.Name = sanitizeName(rec.Name, s.maxNameLength())
		sanitized.Namespace = sanitizeNamespace(rec.Namespace)
		sanitized.Credits = clampCredits(rec.Credits, s.maxCredits())
		sanitized.AllowedTools = sanitizeStrings(rec.AllowedTools, s.maxTools())
		sanitized.DeniedTools = sanitizeStrings(rec.DeniedTools, s.maxTools())
		sanitized.IPAllowlist = sanitizeStrings(rec.IPAllowlist, s.maxTools())
		sanitized.Tags = sanitizeTags(rec.Tags, s.maxTags(), s.maxTagLength())

		if sanitized.Alias != "" {
			if owner, aliasExists := s.aliases[sanitized.Alias]; aliasExists && owner != sanitized.Fingerprint {
				s.mu.Unlock()
				res.Error = fmt.Sprintf("alias %q already in use", sanitized.Alias)
				results = append(results, res)
				continue
			}
		}

		s.records[sanitized.Fingerprint] = &sanitized
		if sanitized.Alias != "" {
			s.aliases[sanitized.Alias] = sanitized.Fingerprint
		}
		s.persistLockedOrMark()
		s.mu.Unlock()

		s.notify(sanitized.Fingerprint, sanitized.clone())
		res.Imported = true
		results = append(results, res)
	}
	return results
}

// ListKeysFiltered returns a paginated, filtered, sorted view of the store.
func (s *Store) ListKeysFiltered(q ListQuery) ListResult {
	s.mu.RLock()
	matched := make([]*Record, 0, len(s.records))
	now := time.Now().UTC()
	for _, rec := range s.records {
		if q.Namespace != "" && rec.Namespace != q.Namespace {
			continue
		}
		if q.Group != nil && rec.Group != *q.Group {
			continue
		}
		if q.Active != nil && rec.Active != *q.Active {
			continue
		}
		if q.Suspended != nil && rec.Suspended != *q.Suspended {
			continue
		}
		expired := rec.ExpiresAt != nil && now.After(*rec.ExpiresAt)
		if q.Expired != nil && expired != *q.Expired {
			continue
		}
		if q.NamePrefix != "" && !strings.HasPrefix(rec.Name, q.NamePrefix) {
			continue
		}
		if q.MinCredits != nil && rec.Credits < *q.MinCredits {
			continue
		}
		if q.MaxCredits != nil && rec.Credits > *q.MaxCredits {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sortRecords(matched, q.SortBy, q.Descending)

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]Record, 0, end-offset)
	for _, rec := range matched[offset:end] {
		page = append(page, *rec.clone())
	}
	return ListResult{Records: page, Total: total}
}

func sortRecords(recs []*Record, sortBy string, desc bool) {
	less := func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch sortBy {
		case "name":
			return a.Name < b.Name
		case "credits":
			return a.Credits < b.Credits
		case "totalSpent":
			return a.TotalSpent < b.TotalSpent
		case "totalCalls":
			return a.TotalCalls < b.TotalCalls
		case "lastUsedAt":
			return lastUsedOrZero(a).Before(lastUsedOrZero(b))
		default: // createdAt
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sortStable(recs, less, desc)
}

func lastUsedOrZero(r *Record) time.Time {
	if r.LastUsedAt == nil {
		return time.Time{}
	}
	return *r.LastUsedAt
}

func sortStable(recs []*Record, less func(i, j int) bool, desc bool) {
	cmp := less
	if desc {
		cmp = func(i, j int) bool { return less(j, i) }
	}
	insertionSort(recs, cmp)
}

// insertionSort is stable and fine for the bounded (<=500) result sets this
// operates on; avoids pulling sort.Slice's reflection for a hot admin path.
func insertionSort(recs []*Record, less func(i, j int) bool) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
