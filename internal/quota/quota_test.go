package quota

import "testing"

func TestResolve_PerKeyOverridesGroup(t *testing.T) {
	group := &Limits{DailyCallLimit: 100, MonthlyCallLimit: 1000}
	perKey := &Limits{DailyCallLimit: 10}

	got := Resolve(perKey, group)
	if got.DailyCallLimit != 10 {
		t.Errorf("DailyCallLimit = %d, want per-key override 10", got.DailyCallLimit)
	}
	if got.MonthlyCallLimit != 1000 {
		t.Errorf("MonthlyCallLimit = %d, want group default 1000", got.MonthlyCallLimit)
	}
}

func TestCheck_FirstBreachedDimensionWins(t *testing.T) {
	limits := Limits{DailyCallLimit: 5, DailyCreditLimit: 100}
	counters := Counters{DailyCalls: 5, DailyCredits: 50}

	reason := Check(limits, counters, 10)
	if reason != "quota_exceeded:daily_calls" {
		t.Errorf("reason = %q, want daily_calls breach reported first", reason)
	}
}

func TestCheck_ZeroLimitIsUnlimited(t *testing.T) {
	limits := Limits{}
	counters := Counters{DailyCalls: 999999, DailyCredits: 999999}
	if reason := Check(limits, counters, 1); reason != "" {
		t.Errorf("reason = %q, want no breach with all-zero limits", reason)
	}
}

func TestCheck_CreditLimitRespectsPendingCharge(t *testing.T) {
	limits := Limits{DailyCreditLimit: 100}
	counters := Counters{DailyCredits: 95}
	if reason := Check(limits, counters, 10); reason != "quota_exceeded:daily_credits" {
		t.Errorf("reason = %q, want daily_credits breach when charge would exceed ceiling", reason)
	}
	if reason := Check(limits, counters, 5); reason != "" {
		t.Errorf("reason = %q, want no breach when charge lands exactly at ceiling", reason)
	}
}
