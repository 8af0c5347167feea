// Package conversation holds the data model shared by every stage of a run:
// runs, persisted conversation events, messages sent to the model, and the
// ephemeral tool-call values that flow between parser, executor and processor.
package conversation

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the status is final
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// RunParams are the model parameters a run was started with
type RunParams struct {
	Model            string  `json:"model"`
	FallbackModel    string  `json:"fallback_model,omitempty"`
	EnableThinking   bool    `json:"enable_thinking,omitempty"`
	ReasoningEffort  string  `json:"reasoning_effort,omitempty"`
	Stream           bool    `json:"stream"`
	Temperature      float32 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	MaxAutoContinues int     `json:"max_auto_continues,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
}

// Run is one orchestrated multi-step execution of a conversational turn
type Run struct {
	ID             string     `json:"run_id"`
	ConversationID string     `json:"conversation_id"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	Params         RunParams  `json:"params"`
	WorkerID       string     `json:"worker_id,omitempty"`
}

// Kind distinguishes persisted event types
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
	KindStatus    Kind = "status"
)

// Stream status markers carried in event metadata
const (
	StreamStatusChunk    = "chunk"
	StreamStatusComplete = "complete"
)

// Metadata links an event to its run and causing messages
type Metadata struct {
	RunID              string `json:"run_id,omitempty"`
	ThreadRunID        string `json:"thread_run_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	ToolCallID         string `json:"tool_call_id,omitempty"`
	StreamStatus       string `json:"stream_status,omitempty"`
	ChunkSequence      int    `json:"chunk_sequence,omitempty"`
	PartialContent     string `json:"partial_content,omitempty"`
}

// Event is the append-only unit of persisted conversation history.
// Position orders every event of a conversation; Sequence only advances
// for model-visible events.
type Event struct {
	Sequence       int64           `json:"sequence"`
	ID             string          `json:"event_id"`
	ConversationID string          `json:"conversation_id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       Metadata        `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`

	ModelVisible bool  `json:"-"`
	Position     int64 `json:"-"`
}

// NewEvent is an event that has not been persisted yet
type NewEvent struct {
	ConversationID string
	Kind           Kind
	Payload        any
	Metadata       Metadata
	ModelVisible   bool
}

// Message is one entry of the prompt sent to the model
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool call sources
const (
	SourceXML    = "xml"
	SourceNative = "native"
)

// ToolCall is a single invocation request produced by the model
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Source    string         `json:"source,omitempty"`
	XMLTag    string         `json:"xml_tag,omitempty"`
	Raw       string         `json:"-"`
}

// ToolResult is the outcome of executing a ToolCall
type ToolResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an unsuccessful ToolResult
func Failed(msg string) ToolResult {
	return ToolResult{Success: false, Error: msg}
}

// Succeeded builds a successful ToolResult
func Succeeded(output any) ToolResult {
	return ToolResult{Success: true, Output: output}
}

// ContinuationState is carried between auto-continue passes of one run.
// After a truncated pass AccumulatedContent holds the unsaved assistant
// text, XMLCallsSeen counts the complete markup calls inside it and Carried
// holds the calls already accepted from it. Sequence numbers chunk
// notifications across the whole run.
type ContinuationState struct {
	AccumulatedContent string
	Sequence           int
	ThreadRunID        string
	XMLCallsSeen       int
	Carried            []CarriedCall
}

// CarriedCall is a tool call accepted during a truncated pass. Result is
// set when the call already ran.
type CarriedCall struct {
	Call   ToolCall
	Result *ToolResult
}

// Usage holds token counts for one model pass
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}
