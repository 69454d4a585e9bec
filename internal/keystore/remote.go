package keystore

import "time"

// ApplyRemote merges a partial record pulled from the shared cache mirror
// into the local map. Only the mirrored scalar fields are overwritten; a
// record absent locally is created with them, everything else defaulted.
// No local record is ever evicted because the remote lacks an entry for it.
func (s *Store) ApplyRemote(remote Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[remote.Fingerprint]
	if !ok {
		rec = &Record{
			Fingerprint: remote.Fingerprint,
			CreatedAt:   time.Now().UTC(),
		}
		s.records[remote.Fingerprint] = rec
	}
	rec.Name = remote.Name
	rec.Namespace = remote.Namespace
	rec.Group = remote.Group
	rec.Credits = remote.Credits
	rec.TotalSpent = remote.TotalSpent
	rec.TotalCalls = remote.TotalCalls
	rec.Active = remote.Active
	rec.Suspended = remote.Suspended

	s.markDirty()
	s.notify(remote.Fingerprint, rec.clone())
}

// ApplyCreditsChanged applies an inline {credits,totalSpent,totalCalls}
// update without a full hash round-trip, per a credits_changed event.
func (s *Store) ApplyCreditsChanged(fp string, credits, totalSpent, totalCalls int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return
	}
	rec.Credits = credits
	rec.TotalSpent = totalSpent
	rec.TotalCalls = totalCalls
	now := time.Now().UTC()
	rec.LastUsedAt = &now
	s.markDirty()
	s.notify(fp, rec.clone())
}

// ApplyRevoked marks a record inactive in response to a key_revoked event.
func (s *Store) ApplyRevoked(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return
	}
	rec.Active = false
	s.markDirty()
	s.notify(fp, rec.clone())
}
