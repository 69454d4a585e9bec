package httpserver

import (
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/paygate-dev/paygate/internal/errors"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/webhook"
)

type createKeyRequest struct {
	Name          string            `json:"name"`
	InitialCredits int64            `json:"initialCredits"`
	Namespace     string            `json:"namespace"`
	Group         string            `json:"group"`
	Alias         string            `json:"alias"`
	AllowedTools  []string          `json:"allowedTools"`
	DeniedTools   []string          `json:"deniedTools"`
	IPAllowlist   []string          `json:"ipAllowlist"`
	Tags          map[string]string `json:"tags"`
	SpendingLimit int64             `json:"spendingLimit"`
	ExpiresAt     *time.Time        `json:"expiresAt"`
}

func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}

	rec, err := h.keys.CreateKey(req.Name, req.InitialCredits, keystore.CreateOptions{
		Namespace:     req.Namespace,
		Group:         req.Group,
		Alias:         req.Alias,
		AllowedTools:  req.AllowedTools,
		DeniedTools:   req.DeniedTools,
		IPAllowlist:   req.IPAllowlist,
		Tags:          req.Tags,
		SpendingLimit: req.SpendingLimit,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		writeError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	h.webhooks.Emit(webhookEvent("key_created", rec))
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := keystore.ListQuery{
		Namespace:  q.Get("namespace"),
		NamePrefix: q.Get("namePrefix"),
		SortBy:     q.Get("sortBy"),
		Descending: q.Get("desc") == "true",
	}
	if v := q.Get("group"); v != "" {
		query.Group = &v
	}
	if v := q.Get("active"); v != "" {
		b := v == "true"
		query.Active = &b
	}
	if v := q.Get("suspended"); v != "" {
		b := v == "true"
		query.Suspended = &b
	}
	if v := q.Get("offset"); v != "" {
		query.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}

	result := h.keys.ListKeysFiltered(query)
	writeJSON(w, http.StatusOK, result)
}

type fingerprintRequest struct {
	Fingerprint string `json:"fingerprint"`
}

func (h *handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	// Idempotent per spec.md §8 property 3: always 200, never mutate a
	// second time in a way that changes observable state.
	_ = h.keys.RevokeKey(req.Fingerprint)
	h.webhooks.Emit(webhookEvent("key_revoked", map[string]interface{}{"fingerprint": req.Fingerprint}))
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint, "revoked": true})
}

func (h *handlers) suspendKey(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SuspendKey(req.Fingerprint); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint, "suspended": true})
}

func (h *handlers) resumeKey(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.ResumeKey(req.Fingerprint); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint, "suspended": false})
}

type cloneKeyRequest struct {
	Fingerprint   string `json:"fingerprint"`
	Name          string `json:"name"`
	InitialCredits *int64 `json:"initialCredits"`
}

func (h *handlers) cloneKey(w http.ResponseWriter, r *http.Request) {
	var req cloneKeyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	overrides := keystore.CloneOverrides{}
	if req.Name != "" {
		overrides.Name = &req.Name
	}
	if req.InitialCredits != nil {
		overrides.Credits = req.InitialCredits
	}
	rec, err := h.keys.CloneKey(req.Fingerprint, overrides)
	if err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	rec, err := h.keys.RotateKey(req.Fingerprint)
	if err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type aclRequest struct {
	Fingerprint  string   `json:"fingerprint"`
	AllowedTools []string `json:"allowedTools"`
	DeniedTools  []string `json:"deniedTools"`
}

func (h *handlers) setKeyACL(w http.ResponseWriter, r *http.Request) {
	var req aclRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetACL(req.Fingerprint, req.AllowedTools, req.DeniedTools); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

type expiryRequest struct {
	Fingerprint string     `json:"fingerprint"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (h *handlers) setKeyExpiry(w http.ResponseWriter, r *http.Request) {
	var req expiryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetExpiry(req.Fingerprint, req.ExpiresAt); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

type ipAllowlistRequest struct {
	Fingerprint string   `json:"fingerprint"`
	IPAllowlist []string `json:"ipAllowlist"`
}

func (h *handlers) setKeyIPAllowlist(w http.ResponseWriter, r *http.Request) {
	var req ipAllowlistRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetIPAllowlist(req.Fingerprint, req.IPAllowlist); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

type tagsRequest struct {
	Fingerprint string            `json:"fingerprint"`
	Tags        map[string]string `json:"tags"`
}

func (h *handlers) setKeyTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetTags(req.Fingerprint, req.Tags); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

type autoTopupRequest struct {
	Fingerprint string                    `json:"fingerprint"`
	Policy      *keystore.AutoTopupPolicy `json:"policy"`
}

func (h *handlers) setKeyAutoTopup(w http.ResponseWriter, r *http.Request) {
	var req autoTopupRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetAutoTopup(req.Fingerprint, req.Policy); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

type aliasRequest struct {
	Fingerprint string `json:"fingerprint"`
	Alias       string `json:"alias"`
}

func (h *handlers) setKeyAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetAlias(req.Fingerprint, req.Alias); err != nil {
		writeError(w, apierrors.ErrCodeAliasConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint, "alias": req.Alias})
}

// webhookEvent builds a webhook.Event payload from either a map (used
// as-is) or any other value (wrapped under a "record" key).
func webhookEvent(eventType string, data interface{}) webhook.Event {
	if raw, ok := data.(map[string]interface{}); ok {
		return webhook.Event{Type: eventType, Data: raw}
	}
	return webhook.Event{Type: eventType, Data: map[string]interface{}{"record": data}}
}
