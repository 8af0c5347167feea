package processor

import (
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/tools"
)

func jsonPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// resultText renders a tool result for the model
func resultText(r conversation.ToolResult) string {
	if !r.Success {
		return "Error: " + r.Error
	}
	switch out := r.Output.(type) {
	case nil:
		return "ok"
	case string:
		return out
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(b)
	}
}

// toolEvent builds the tool event answering o, linked to the assistant
// event that requested it. Native results answer a tool_call_id; markup
// results are wrapped and fed back under the configured role.
func (ps *passState) toolEvent(o tools.Outcome, assistantID string) conversation.NewEvent {
	meta := ps.meta()
	meta.AssistantMessageID = assistantID
	meta.ToolCallID = o.Call.ID

	var payload conversation.ContentPayload
	if o.Call.Source == conversation.SourceNative {
		payload = conversation.ContentPayload{
			Role:       conversation.RoleTool,
			Name:       o.Call.Name,
			Content:    resultText(o.Result),
			ToolCallID: o.Call.ID,
		}
	} else {
		role := conversation.RoleAssistant
		if ps.p.cfg.XMLAddingStrategy == AddAsUserMessage {
			role = conversation.RoleUser
		}
		payload = conversation.ContentPayload{
			Role:    role,
			Content: formatMarkupResult(o),
		}
	}

	return conversation.NewEvent{
		ConversationID: ps.in.ConversationID,
		Kind:           conversation.KindTool,
		Payload:        payload,
		Metadata:       meta,
		ModelVisible:   true,
	}
}

func formatMarkupResult(o tools.Outcome) string {
	status := "success"
	if !o.Result.Success {
		status = "error"
	}
	return fmt.Sprintf("<function_results>\n<result name=%q status=%q>\n%s\n</result>\n</function_results>",
		o.Call.Name, status, resultText(o.Result))
}
