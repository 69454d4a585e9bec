// Package quota resolves and checks the gate's daily/monthly call and
// credit ceilings. Counter storage lives on the ApiKeyRecord itself
// (internal/keystore owns the mutation); this package only merges the
// effective limits and compares them against counters bumped by the gate.
package quota

import "fmt"

// Limits is the merged {dailyCallLimit, monthlyCallLimit, dailyCreditLimit,
// monthlyCreditLimit} set. Zero means unlimited for that dimension.
type Limits struct {
	DailyCallLimit     int64
	MonthlyCallLimit   int64
	DailyCreditLimit   int64
	MonthlyCreditLimit int64
}

// GroupDefaults is the subset of KeyGroup fields quota resolution cares
// about.
type GroupDefaults struct {
	Quota *Limits
}

// Resolve merges per-key override, group default, then leaves any
// still-unset (zero) dimension as unlimited — there is no further global
// fallback because global limits would apply to every key indiscriminately,
// which the spec does not describe.
func Resolve(perKey, group *Limits) Limits {
	var effective Limits
	if group != nil {
		effective = *group
	}
	if perKey == nil {
		return effective
	}
	if perKey.DailyCallLimit != 0 {
		effective.DailyCallLimit = perKey.DailyCallLimit
	}
	if perKey.MonthlyCallLimit != 0 {
		effective.MonthlyCallLimit = perKey.MonthlyCallLimit
	}
	if perKey.DailyCreditLimit != 0 {
		effective.DailyCreditLimit = perKey.DailyCreditLimit
	}
	if perKey.MonthlyCreditLimit != 0 {
		effective.MonthlyCreditLimit = perKey.MonthlyCreditLimit
	}
	return effective
}

// Counters is the current tick state to compare against Limits, matching
// keystore.QuotaTick's shape without importing it (keeps this package
// dependency-free for reuse/testing).
type Counters struct {
	DailyCalls     int64
	MonthlyCalls   int64
	DailyCredits   int64
	MonthlyCredits int64
}

// Check returns an empty string if within all configured limits, or a
// "quota_exceeded:<dimension>" reason string for the first breached
// dimension, in the order the spec enumerates them.
func Check(limits Limits, counters Counters, price int64) string {
	if limits.DailyCallLimit > 0 && counters.DailyCalls+1 > limits.DailyCallLimit {
		return "quota_exceeded:daily_calls"
	}
	if limits.MonthlyCallLimit > 0 && counters.MonthlyCalls+1 > limits.MonthlyCallLimit {
		return "quota_exceeded:monthly_calls"
	}
	if limits.DailyCreditLimit > 0 && counters.DailyCredits+price > limits.DailyCreditLimit {
		return "quota_exceeded:daily_credits"
	}
	if limits.MonthlyCreditLimit > 0 && counters.MonthlyCredits+price > limits.MonthlyCreditLimit {
		return "quota_exceeded:monthly_credits"
	}
	return ""
}

// DenyReason is a typed helper for readability at call sites that want an
// error rather than a bare string.
func DenyReason(reason string) error {
	if reason == "" {
		return nil
	}
	return fmt.Errorf("%s", reason)
}
