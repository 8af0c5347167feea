package tools

import "context"

// Names of the terminating tools every registry carries
const (
	ToolAsk      = "ask"
	ToolComplete = "complete"
)

type askParams struct {
	Text        string   `json:"text" jsonschema:"question to put to the user"`
	Attachments []string `json:"attachments,omitempty" jsonschema:"paths or URLs shown with the question"`
}

type completeParams struct {
	Text        string   `json:"text,omitempty" jsonschema:"final summary for the user"`
	Attachments []string `json:"attachments,omitempty" jsonschema:"paths or URLs of deliverables"`
}

// RegisterBuiltins adds the ask and complete tools.
// Both end the run once they succeed.
func RegisterBuiltins(r *Registry) error {
	if err := RegisterTyped(r, ToolAsk,
		"Ask the user a question and wait for their reply. Ends the current run.",
		true,
		func(ctx context.Context, p askParams) (any, error) {
			return map[string]any{"status": "awaiting_user", "text": p.Text, "attachments": p.Attachments}, nil
		}); err != nil {
		return err
	}
	return RegisterTyped(r, ToolComplete,
		"Signal that every task is finished. Ends the current run.",
		true,
		func(ctx context.Context, p completeParams) (any, error) {
			return map[string]any{"status": "complete", "text": p.Text, "attachments": p.Attachments}, nil
		})
}
