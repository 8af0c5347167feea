package run

import (
	"context"

	"github.com/HyphaGroup/runloom/internal/config"
	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/validation"
)

// Defaults fills in the run parameters a caller left unset
type Defaults struct {
	Models           *config.ModelRegistry
	MaxAutoContinues int
}

// Apply resolves model shorthands and applies the defaults to p
func (d Defaults) Apply(p conversation.RunParams) conversation.RunParams {
	if d.Models != nil {
		requested := p.Model
		p.Model = d.Models.ResolveModel(requested)
		if p.FallbackModel != "" {
			p.FallbackModel = d.Models.ResolveModel(p.FallbackModel)
		} else {
			p.FallbackModel = d.Models.FallbackFor(requested)
		}
		if def, ok := d.Models.GetModel(requested); ok && p.MaxTokens == 0 {
			p.MaxTokens = def.MaxOutputTokens
		}
	}
	if p.FallbackModel == p.Model {
		p.FallbackModel = ""
	}
	if p.MaxAutoContinues == 0 {
		p.MaxAutoContinues = d.MaxAutoContinues
	}
	return p
}

// StartRequest is a request to start a run from an outer surface
type StartRequest struct {
	ConversationID string
	Prompt         string
	Params         conversation.RunParams
}

// Validate checks the request before any state is written
func (r StartRequest) Validate() error {
	if err := validation.ValidateConversationID(r.ConversationID); err != nil {
		return err
	}
	if err := validation.ValidatePrompt(r.Prompt); err != nil {
		return err
	}
	if err := validation.ValidateModel(r.Params.Model); err != nil {
		return err
	}
	if err := validation.ValidateModel(r.Params.FallbackModel); err != nil {
		return err
	}
	return validation.ValidateMaxAutoContinues(r.Params.MaxAutoContinues)
}

// StartRequested validates req, applies d and starts the run
func (c *Coordinator) StartRequested(ctx context.Context, req StartRequest, d Defaults) (*conversation.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return c.Start(ctx, req.ConversationID, req.Prompt, d.Apply(req.Params))
}
