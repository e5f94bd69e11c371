// Package remediation turns policy decisions into Microsoft Graph
// calls. Tag and delete become $batch sub-requests coalesced through a
// shared Redis buffer; quarantine calls the Defender remediate endpoint
// directly so its failures surface to the task retry mechanism.
package remediation

import (
	"context"

	"github.com/google/uuid"

	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/policy"
)

// BatchRequest is one Graph $batch sub-request. The dispatcher assigns
// the id; the batch client uses it to map sub-responses back to their
// requests.
type BatchRequest struct {
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	URL     string                 `json:"url"`
	Headers map[string]string      `json:"headers,omitempty"`
	Body    map[string]interface{} `json:"body,omitempty"`
}

// Action executes one policy action. Batch actions return the
// sub-request for the caller to buffer; direct actions perform their
// API call and return a nil request.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, verdict *models.Verdict) (*BatchRequest, error)
}

// Outcome is what the verdict worker persists and, when Request is set,
// hands to the batch client.
type Outcome struct {
	Decision policy.Decision
	Request  *BatchRequest
}

// Dispatcher evaluates policies and routes matched verdicts to the
// registered action handlers.
type Dispatcher struct {
	engine  *policy.Engine
	actions map[string]Action
}

// NewDispatcher builds a dispatcher over an explicit action set.
func NewDispatcher(engine *policy.Engine, actions ...Action) *Dispatcher {
	registry := make(map[string]Action, len(actions))
	for _, a := range actions {
		registry[a.Name()] = a
	}
	logger.Info("dispatcher ready",
		"actions", len(registry), "rules", engine.RuleCount())
	return &Dispatcher{engine: engine, actions: registry}
}

// Dispatch evaluates the rule set and invokes the matching handler. A
// handler error surfaces so the task can retry; everything else
// resolves to an Outcome, including "no action". A matched action with
// no registered handler demotes to none so the stored outcome never
// claims an action that did not run.
func (d *Dispatcher) Dispatch(ctx context.Context, verdict *models.Verdict) (*Outcome, error) {
	decision := d.engine.Evaluate(verdict)

	if decision.Action == policy.ActionNone {
		logger.Info("no policy matched, no action", "message_id", verdict.MessageID)
		return &Outcome{Decision: decision}, nil
	}

	action, ok := d.actions[decision.Action]
	if !ok {
		logger.Warn("policy requested an action with no handler",
			"policy", decision.PolicyName, "action", decision.Action)
		return &Outcome{Decision: policy.Decision{Action: policy.ActionNone}}, nil
	}

	request, err := action.Execute(ctx, verdict)
	if err != nil {
		return nil, err
	}
	if request != nil {
		request.ID = uuid.NewString()
	}

	logger.Info("policy action dispatched",
		"policy", decision.PolicyName,
		"action", decision.Action,
		"message_id", verdict.MessageID)

	return &Outcome{Decision: decision, Request: request}, nil
}
