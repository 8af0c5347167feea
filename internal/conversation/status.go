package conversation

import "encoding/json"

// StatusType names a status notification
type StatusType string

const (
	StatusThreadRunStart         StatusType = "thread_run_start"
	StatusAssistantResponseStart StatusType = "assistant_response_start"
	StatusToolStarted            StatusType = "tool_started"
	StatusToolCompleted          StatusType = "tool_completed"
	StatusToolFailed             StatusType = "tool_failed"
	StatusToolError              StatusType = "tool_error"
	StatusFinish                 StatusType = "finish"
	StatusAssistantResponseEnd   StatusType = "assistant_response_end"
	StatusThreadRunEnd           StatusType = "thread_run_end"
	StatusError                  StatusType = "error"
	StatusRun                    StatusType = "status"
)

// StatusPayload is the payload of a status event
type StatusPayload struct {
	Type         StatusType `json:"type"`
	Status       string     `json:"status,omitempty"`
	Message      string     `json:"message,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`
	ToolIndex    *int       `json:"tool_index,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// ContentPayload is the payload of user, assistant and tool events
type ContentPayload struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// RunStatusPayload is the terminal notice for a run
func RunStatusPayload(status RunStatus, message string) StatusPayload {
	return StatusPayload{Type: StatusRun, Status: string(status), Message: message}
}

// DecodeStatus returns the status payload of a status event.
// ok is false for other kinds or unreadable payloads.
func (e *Event) DecodeStatus() (StatusPayload, bool) {
	var p StatusPayload
	if e.Kind != KindStatus {
		return p, false
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, false
	}
	return p, true
}

// DecodeContent returns the content payload of a user, assistant or tool event
func (e *Event) DecodeContent() (ContentPayload, bool) {
	var p ContentPayload
	if e.Kind == KindStatus {
		return p, false
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, false
	}
	return p, true
}

// IsTerminalStatus reports whether a payload is a run-level terminal notice
func (p StatusPayload) IsTerminalStatus() bool {
	if p.Type != StatusRun {
		return false
	}
	return RunStatus(p.Status).IsTerminal()
}

// ToMessage converts a model-visible event back into a prompt message
func (e *Event) ToMessage() (Message, bool) {
	if !e.ModelVisible {
		return Message{}, false
	}
	c, ok := e.DecodeContent()
	if !ok {
		return Message{}, false
	}
	return Message{
		Role:       c.Role,
		Content:    c.Content,
		Name:       c.Name,
		ToolCalls:  c.ToolCalls,
		ToolCallID: c.ToolCallID,
	}, true
}
