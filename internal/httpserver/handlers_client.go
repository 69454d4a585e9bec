package httpserver

import (
	"fmt"
	"html"
	"net/http"
	"time"

	apierrors "github.com/paygate-dev/paygate/internal/errors"
)

// balance returns the caller's own credit standing. It deliberately never
// echoes the fingerprint back per spec.md §6, and returns 404 rather than
// 401 for an unknown key so scanning a list of candidate keys can't
// distinguish "wrong" from "doesn't exist".
func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFromRequest(r)
	if apiKey == "" {
		writeError(w, apierrors.ErrCodeMissingAPIKey, "X-API-Key header required")
		return
	}
	rec, ok := h.keys.ResolveKey(apiKey)
	if !ok {
		writeError(w, apierrors.ErrCodeKeyNotFound, "unknown API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credits":    rec.Credits,
		"totalSpent": rec.TotalSpent,
		"totalCalls": rec.TotalCalls,
		"suspended":  rec.Suspended,
		"expiresAt":  rec.ExpiresAt,
	})
}

const dashboardTemplate = `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>Uptime: %s</p>
</body>
</html>
`

// dashboard is an unauthenticated status page. It carries no secrets and
// exists purely as an operator sanity check, so the server name is the
// only operator-controlled string rendered and it is always escaped.
func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	name := html.EscapeString(h.cfg.Server.DashboardServerName)
	uptime := time.Since(h.startedAt).Round(time.Second)
	fmt.Fprintf(w, dashboardTemplate, name, name, uptime)
}
