package httpserver

import (
	"encoding/csv"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/paygate-dev/paygate/internal/usagemeter"
)

// usageSummary serves the aggregate usage view, as JSON by default or a
// flattened per-tool CSV when ?format=csv is given. Read-only; never mutates
// the meter.
func (h *handlers) usageSummary(w http.ResponseWriter, r *http.Request) {
	summary := h.meter.GetSummary()
	if r.URL.Query().Get("format") != "csv" {
		writeJSON(w, http.StatusOK, summary)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	defer cw.Flush()

	_ = cw.Write([]string{"tool", "calls", "credits", "denied"})
	tools := make([]string, 0, len(summary.PerTool))
	for name := range summary.PerTool {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	for _, name := range tools {
		ts := summary.PerTool[name]
		_ = cw.Write([]string{
			name,
			strconv.FormatInt(ts.Calls, 10),
			strconv.FormatInt(ts.Credits, 10),
			strconv.FormatInt(ts.Denied, 10),
		})
	}
}

// auditLog serves the raw event history, newest first, filtered by the query
// parameters spec.md §6 implies for /audit (since/until/tool/keyName/allowed).
func (h *handlers) auditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := usagemeter.Query{
		Tool:    q.Get("tool"),
		KeyName: q.Get("keyName"),
		Action:  q.Get("action"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Until = &t
		}
	}
	if v := q.Get("allowed"); v != "" {
		b := v == "true"
		query.Allowed = &b
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}

	events := h.meter.Query(query)
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// namespaceAllocation is one row of the credit-allocation report.
type namespaceAllocation struct {
	Namespace     string `json:"namespace"`
	Keys          int    `json:"keys"`
	CreditsHeld   int64  `json:"creditsHeld"`
	TotalSpent    int64  `json:"totalSpent"`
	SpendingLimit int64  `json:"spendingLimitSum"`
}

// creditAllocation reports how outstanding credit balance and cumulative
// spend break down by namespace. Read-only per spec.md §6.
func (h *handlers) creditAllocation(w http.ResponseWriter, r *http.Request) {
	records := h.keys.ExportKeys("")

	byNamespace := make(map[string]*namespaceAllocation)
	order := make([]string, 0)
	for _, rec := range records {
		ns := rec.Namespace
		if ns == "" {
			ns = "default"
		}
		row, ok := byNamespace[ns]
		if !ok {
			row = &namespaceAllocation{Namespace: ns}
			byNamespace[ns] = row
			order = append(order, ns)
		}
		row.Keys++
		row.CreditsHeld += rec.Credits
		row.TotalSpent += rec.TotalSpent
		row.SpendingLimit += rec.SpendingLimit
	}
	sort.Strings(order)

	out := make([]namespaceAllocation, 0, len(order))
	for _, ns := range order {
		out = append(out, *byNamespace[ns])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"namespaces": out})
}

// consumerLTV is one row of the consumer-lifetime-value report.
type consumerLTV struct {
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	Namespace   string    `json:"namespace"`
	TotalSpent  int64     `json:"totalSpent"`
	TotalCalls  int64     `json:"totalCalls"`
	CreatedAt   time.Time `json:"createdAt"`
	AgeDays     float64   `json:"ageDays"`
}

// consumerLifetimeValue ranks keys by cumulative spend, descending. Read-only
// per spec.md §6; does not consult or mutate the payment-intake counters.
func (h *handlers) consumerLifetimeValue(w http.ResponseWriter, r *http.Request) {
	records := h.keys.ExportKeys("")
	now := time.Now().UTC()

	out := make([]consumerLTV, 0, len(records))
	for _, rec := range records {
		out = append(out, consumerLTV{
			Fingerprint: rec.Fingerprint,
			Name:        rec.Name,
			Namespace:   rec.Namespace,
			TotalSpent:  rec.TotalSpent,
			TotalCalls:  rec.TotalCalls,
			CreatedAt:   rec.CreatedAt,
			AgeDays:     now.Sub(rec.CreatedAt).Hours() / 24,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalSpent > out[j].TotalSpent })

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > len(out) {
		limit = len(out)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consumers": out[:limit]})
}

// quotaRow reports one key's own quota override (zero when it has none) and
// current counters; group quotas are not resolved into it.
type quotaRow struct {
	Fingerprint         string `json:"fingerprint"`
	Name                string `json:"name"`
	DailyCallLimit      int64  `json:"dailyCallLimit"`
	MonthlyCallLimit    int64  `json:"monthlyCallLimit"`
	DailyCreditLimit    int64  `json:"dailyCreditLimit"`
	MonthlyCreditLimit  int64  `json:"monthlyCreditLimit"`
	QuotaDailyCalls     int64  `json:"quotaDailyCalls"`
	QuotaMonthlyCalls   int64  `json:"quotaMonthlyCalls"`
	QuotaDailyCredits   int64  `json:"quotaDailyCredits"`
	QuotaMonthlyCredits int64  `json:"quotaMonthlyCredits"`
}

// quotaSnapshot reports every key's configured quota override and current
// counters, as stored (no rollover is applied here — that happens lazily on
// the next admit; this is a read-only point-in-time view per spec.md §6).
func (h *handlers) quotaSnapshot(w http.ResponseWriter, r *http.Request) {
	records := h.keys.ExportKeys("")

	out := make([]quotaRow, 0, len(records))
	for _, rec := range records {
		if rec.Quota == nil && rec.QuotaDailyCalls == 0 && rec.QuotaMonthlyCalls == 0 &&
			rec.QuotaDailyCredits == 0 && rec.QuotaMonthlyCredits == 0 {
			continue
		}
		row := quotaRow{
			Fingerprint:         rec.Fingerprint,
			Name:                rec.Name,
			QuotaDailyCalls:     rec.QuotaDailyCalls,
			QuotaMonthlyCalls:   rec.QuotaMonthlyCalls,
			QuotaDailyCredits:   rec.QuotaDailyCredits,
			QuotaMonthlyCredits: rec.QuotaMonthlyCredits,
		}
		if rec.Quota != nil {
			row.DailyCallLimit = rec.Quota.DailyCallLimit
			row.MonthlyCallLimit = rec.Quota.MonthlyCallLimit
			row.DailyCreditLimit = rec.Quota.DailyCreditLimit
			row.MonthlyCreditLimit = rec.Quota.MonthlyCreditLimit
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
}
