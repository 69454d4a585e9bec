package taskmanager

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one entry of an MCP-style {content:[...]} tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the envelope handleTasksMethod responses are serialized into.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

func textResult(v interface{}) ToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error())
	}
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: string(b)}}}
}

func errorResult(msg string) ToolResult {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: string(b)}}, IsError: true}
}

type sendParams struct {
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
}

type getParams struct {
	ID string `json:"id"`
}

type listParams struct {
	Cursor   string `json:"cursor"`
	PageSize int    `json:"pageSize"`
	Status   string `json:"status"`
}

type cancelParams struct {
	ID string `json:"id"`
}

// Dispatch implements the five tasks/{send,get,result,list,cancel} JSON-RPC
// methods, serializing each response into the {content:[{type,text}]}
// envelope. params is the raw JSON-RPC params object.
func (m *Manager) Dispatch(method string, params json.RawMessage, apiKeyPrefix, sessionID string) ToolResult {
	switch method {
	case "tasks/send":
		var p sendParams
		if err := json.Unmarshal(params, &p); err != nil || p.ToolName == "" {
			return errorResult("invalid params: toolName is required")
		}
		t := m.Create(p.ToolName, p.Arguments, apiKeyPrefix, sessionID)
		return textResult(t)

	case "tasks/get":
		var p getParams
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return errorResult("invalid params: id is required")
		}
		t, err := m.Get(p.ID)
		if err != nil {
			return errorResult(fmt.Sprintf("task not found: %s", p.ID))
		}
		return textResult(t)

	case "tasks/result":
		var p getParams
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return errorResult("invalid params: id is required")
		}
		t, err := m.Get(p.ID)
		if err != nil {
			return errorResult(fmt.Sprintf("task not found: %s", p.ID))
		}
		if !t.Status.terminal() {
			return textResult(map[string]interface{}{"id": t.ID, "status": t.Status, "pending": true})
		}
		return textResult(t)

	case "tasks/list":
		var p listParams
		_ = json.Unmarshal(params, &p)
		res := m.List(ListQuery{
			APIKeyPrefix: apiKeyPrefix,
			SessionID:    sessionID,
			Status:       Status(p.Status),
			Cursor:       ParseCursor(p.Cursor),
			PageSize:     p.PageSize,
		})
		return textResult(map[string]interface{}{
			"tasks":      res.Tasks,
			"nextCursor": fmt.Sprintf("%d", res.NextCursor),
			"hasMore":    res.HasMore,
		})

	case "tasks/cancel":
		var p cancelParams
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return errorResult("invalid params: id is required")
		}
		t, err := m.Cancel(p.ID)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(t)

	default:
		return errorResult(fmt.Sprintf("unknown method: %s", method))
	}
}
