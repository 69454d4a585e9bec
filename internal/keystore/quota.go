package keystore

import (
	"fmt"
	"time"
)

// QuotaTick is the post-rollover counter snapshot returned by BumpQuota, used
// by the gate to compare against effective limits.
type QuotaTick struct {
	DailyCalls     int64
	MonthlyCalls   int64
	DailyCredits   int64
	MonthlyCredits int64
}

// BumpQuota resets counters that have rolled past their UTC day/month
// boundary, then increments by one call and creditsCharged. The record
// exclusively owns these counters; the gate never mutates them directly.
func (s *Store) BumpQuota(fp string, creditsCharged int64) (QuotaTick, error) {
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.Unlock()
		return QuotaTick{}, fmt.Errorf("keystore: key not found")
	}

	now := time.Now().UTC()
	day, month := dayKey(now), monthKey(now)
	if rec.QuotaLastResetDay != day {
		rec.QuotaDailyCalls = 0
		rec.QuotaDailyCredits = 0
		rec.QuotaLastResetDay = day
	}
	if rec.QuotaLastResetMonth != month {
		rec.QuotaMonthlyCalls = 0
		rec.QuotaMonthlyCredits = 0
		rec.QuotaLastResetMonth = month
	}

	rec.QuotaDailyCalls++
	rec.QuotaMonthlyCalls++
	rec.QuotaDailyCredits += creditsCharged
	rec.QuotaMonthlyCredits += creditsCharged

	tick := QuotaTick{
		DailyCalls:     rec.QuotaDailyCalls,
		MonthlyCalls:   rec.QuotaMonthlyCalls,
		DailyCredits:   rec.QuotaDailyCredits,
		MonthlyCredits: rec.QuotaMonthlyCredits,
	}

	s.persistLockedOrMark()
	s.mu.Unlock()
	return tick, nil
}

// PeekQuota reports the current counters without mutating them, applying the
// same rollover rule a BumpQuota call would (so a dry-run check sees fresh
// counters even if no call has landed since the boundary crossed).
func (s *Store) PeekQuota(fp string) (QuotaTick, error) {
	s.mu.RLock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.RUnlock()
		return QuotaTick{}, fmt.Errorf("keystore: key not found")
	}
	now := time.Now().UTC()
	day, month := dayKey(now), monthKey(now)
	tick := QuotaTick{
		DailyCalls:     rec.QuotaDailyCalls,
		MonthlyCalls:   rec.QuotaMonthlyCalls,
		DailyCredits:   rec.QuotaDailyCredits,
		MonthlyCredits: rec.QuotaMonthlyCredits,
	}
	if rec.QuotaLastResetDay != day {
		tick.DailyCalls, tick.DailyCredits = 0, 0
	}
	if rec.QuotaLastResetMonth != month {
		tick.MonthlyCalls, tick.MonthlyCredits = 0, 0
	}
	s.mu.RUnlock()
	return tick, nil
}

// BumpAutoTopup resets the daily counter on rollover and increments it,
// returning the updated count so the gate can enforce maxDaily before
// crediting. Returns (count, ok) where ok is false if the key has no policy.
func (s *Store) BumpAutoTopup(fp string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fp]
	if !ok {
		return 0, false, fmt.Errorf("keystore: key not found")
	}
	if rec.AutoTopup == nil {
		return 0, false, nil
	}

	day := dayKey(time.Now().UTC())
	if rec.AutoTopupLastResetDay != day {
		rec.AutoTopupTodayCount = 0
		rec.AutoTopupLastResetDay = day
	}
	rec.AutoTopupTodayCount++
	s.persistLockedOrMark()
	return rec.AutoTopupTodayCount, true, nil
}
