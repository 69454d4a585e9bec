package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	apierrors "github.com/paygate-dev/paygate/internal/errors"
	"github.com/paygate-dev/paygate/internal/gate"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (h *handlers) sendRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}

func (h *handlers) sendRPCResult(w http.ResponseWriter, id interface{}, result interface{}) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// handleMCP is the sole client-facing JSON-RPC entrypoint: it runs the
// admission cascade for every method that isn't a free method or a task
// lifecycle call, forwards admitted calls to the backend, and refunds on
// backend failure when policy allows it.
func (h *handlers) handleMCP(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, apierrors.ErrCodeUnsupportedMediaType, "Content-Type must include application/json")
		return
	}

	var req rpcRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.sendRPCError(w, nil, -32700, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		h.sendRPCError(w, req.ID, -32600, "Invalid Request: jsonrpc must be \"2.0\"", nil)
		return
	}
	if req.Method == "" {
		h.sendRPCError(w, req.ID, -32600, "Invalid Request: method required", nil)
		return
	}

	if strings.HasPrefix(req.Method, "tasks/") {
		apiKey := apiKeyFromRequest(r)
		sessionID := r.Header.Get("X-Session-Id")
		result := h.tasks.Dispatch(req.Method, req.Params, apiKey, sessionID)
		h.sendRPCResult(w, req.ID, result)
		return
	}

	fingerprint := apiKeyFromRequest(r)
	decision, err := h.gate.Admit(r.Context(), gate.AdmitRequest{
		Fingerprint: fingerprint,
		Tool:        req.Method,
		ClientIP:    clientIPFromRequest(r),
	})
	if err != nil {
		h.sendRPCError(w, req.ID, -32603, "Internal error", err.Error())
		return
	}
	if !decision.Allowed {
		h.sendRPCError(w, req.ID, -32402, "Payment required: "+decision.Reason, map[string]interface{}{
			"reason":           decision.Reason,
			"remainingCredits": decision.RemainingCredits,
		})
		return
	}

	result, backendErr := h.forwardToBackend(r, req)
	if backendErr != nil {
		if h.cfg.Gate.RefundOnFailure && decision.CreditsCharged > 0 {
			if err := h.gate.Refund(fingerprint, decision.CreditsCharged); err != nil {
				h.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("mcp.refund_failed")
			}
		}
		h.sendRPCError(w, req.ID, -32000, "Remote server error", backendErr.Error())
		return
	}

	h.sendRPCResult(w, req.ID, result)
}

// forwardToBackend relays the admitted call to the configured backend MCP
// server and returns its JSON-RPC result field. An empty BackendURL means no
// backend is wired (e.g. in tests); the call is considered a no-op success.
func (h *handlers) forwardToBackend(r *http.Request, req rpcRequest) (interface{}, error) {
	if h.cfg.Gate.BackendURL == "" {
		return map[string]interface{}{"ok": true}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.cfg.Gate.BackendURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.backend.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var backendResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&backendResp); err != nil {
		return nil, err
	}
	if backendResp.Error != nil {
		return nil, &backendRPCError{backendResp.Error}
	}
	return backendResp.Result, nil
}

type backendRPCError struct {
	err *rpcError
}

func (e *backendRPCError) Error() string { return e.err.Message }
