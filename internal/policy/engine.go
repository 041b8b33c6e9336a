package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// Engine is the OPA policy engine for chat sends.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Decision is the evaluated send policy.
type Decision struct {
	Allow   bool
	Reasons []string
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.send_policy.decision"),
		rego.Module("send_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate runs the policy against input.
// The policy must define decision as {"allow": bool, "reasons": [string]}.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// No result means no default in the policy; treat as allowed.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}

	d := Decision{}
	d.Allow, _ = obj["allow"].(bool)
	if reasons, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	return d, nil
}

// Authorize returns an error wrapping domain.ErrSendDenied when sender
// may not post text to ticket.
func (e *Engine) Authorize(ctx context.Context, ticket domain.TicketID, sender, text string) error {
	d, err := e.Evaluate(ctx, map[string]interface{}{
		"ticket_id": string(ticket),
		"sender":    sender,
		"text":      text,
	})
	if err != nil {
		return err
	}
	if !d.Allow {
		if len(d.Reasons) == 0 {
			return domain.ErrSendDenied
		}
		return fmt.Errorf("%w: %s", domain.ErrSendDenied, strings.Join(d.Reasons, "; "))
	}
	return nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package send_policy

# The system sender is reserved for the welcome message.
deny[reason] {
	input.sender == "system"
	reason := "sender \"system\" is reserved"
}

deny[reason] {
	count(input.text) > 4000
	reason := "message exceeds 4000 characters"
}

default decision = {"allow": true, "reasons": []}

decision = {"allow": false, "reasons": reasons} {
	count(deny) > 0
	reasons := [r | deny[r]]
}
`
