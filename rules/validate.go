package rules

import (
	"fmt"
	"regexp"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

const maxConditionDepth = 16

var knownActionKinds = map[ActionKind]bool{
	ActionNotify:          true,
	ActionMutateEntity:    true,
	ActionWebhook:         true,
	ActionRequireApproval: true,
	ActionEscalate:        true,
}

// ValidateRule checks a rule definition before it reaches the store. An
// invalid trigger or condition schema is rejected here, synchronously, never
// silently coerced. CEL leaves are compiled through ev so a bad expression
// fails at put time rather than at evaluation time; ev may be nil when CEL
// validation is handled elsewhere.
func ValidateRule(r *Rule, ev *Evaluator) error {
	if r == nil {
		return validationErrorf("", "rule is required")
	}
	if err := validateIdentifier("id", r.ID); err != nil {
		return err
	}
	if r.TenantScope == "" {
		return validationErrorf("tenantScope", "is required (tenant id or %q)", ScopeAll)
	}
	if r.Trigger.EventType == "" {
		return validationErrorf("trigger.eventType", "is required")
	}
	if len(r.Actions) == 0 {
		return validationErrorf("actions", "at least one action is required")
	}
	for i, a := range r.Actions {
		if err := validateAction(fmt.Sprintf("actions[%d]", i), a); err != nil {
			return err
		}
	}
	if r.EscalationAction != nil {
		if err := validateAction("escalationAction", *r.EscalationAction); err != nil {
			return err
		}
		if r.EscalationAction.Gated() {
			return validationErrorf("escalationAction", "escalation actions cannot require approval")
		}
	}
	if r.SLADuration < 0 {
		return validationErrorf("slaDuration", "must not be negative")
	}
	if err := validateCondition("conditions", r.Conditions, ev, 0); err != nil {
		return err
	}
	return nil
}

func validateAction(field string, a Action) error {
	if !knownActionKinds[a.Kind] {
		return validationErrorf(field+".kind", "unknown action kind %q", a.Kind)
	}
	if a.Gated() && len(a.ApproverRoles) == 0 {
		return validationErrorf(field+".approverRoles", "required for approval-gated actions")
	}
	return nil
}

func validateCondition(field string, c *Condition, ev *Evaluator, depth int) error {
	if c == nil {
		return nil
	}
	if depth > maxConditionDepth {
		return validationErrorf(field, "condition tree exceeds depth %d", maxConditionDepth)
	}
	switch c.Op {
	case OpAll, OpAny:
		if len(c.Children) == 0 {
			return validationErrorf(field, "%q requires at least one child", c.Op)
		}
		for i, ch := range c.Children {
			if err := validateCondition(fmt.Sprintf("%s.children[%d]", field, i), ch, ev, depth+1); err != nil {
				return err
			}
		}
	case OpNot:
		if len(c.Children) != 1 {
			return validationErrorf(field, "%q requires exactly one child", OpNot)
		}
		return validateCondition(field+".children[0]", c.Children[0], ev, depth+1)
	case OpExpr:
		if c.Expr == "" {
			return validationErrorf(field+".expr", "is required for op %q", OpExpr)
		}
		if ev != nil {
			if err := ev.CompileExpr(c.Expr); err != nil {
				return validationErrorf(field+".expr", "%v", err)
			}
		}
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		if err := validateFieldPath(field, c.Field); err != nil {
			return err
		}
	case OpIn:
		if err := validateFieldPath(field, c.Field); err != nil {
			return err
		}
		if len(c.Values) == 0 {
			return validationErrorf(field+".values", "required for op %q", OpIn)
		}
	case OpRegex:
		if err := validateFieldPath(field, c.Field); err != nil {
			return err
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return validationErrorf(field+".value", "regex pattern must be a string")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return validationErrorf(field+".value", "invalid pattern: %v", err)
		}
	default:
		return validationErrorf(field+".op", "unknown op %q", c.Op)
	}
	return nil
}

func validateFieldPath(field, path string) error {
	if path == "" {
		return validationErrorf(field+".field", "is required")
	}
	return nil
}

// ValidatePack checks a pack definition before registration.
func ValidatePack(p *Pack) error {
	if p == nil {
		return validationErrorf("", "pack is required")
	}
	if err := validateIdentifier("id", p.ID); err != nil {
		return err
	}
	if len(p.RuleIDs) == 0 {
		return validationErrorf("ruleIds", "a pack must bundle at least one rule")
	}
	seen := make(map[string]bool, len(p.RuleIDs))
	for _, id := range p.RuleIDs {
		if seen[id] {
			return validationErrorf("ruleIds", "duplicate rule id %q", id)
		}
		seen[id] = true
	}
	return nil
}

func validateIdentifier(field, name string) error {
	if name == "" {
		return validationErrorf(field, "is required")
	}
	if len(name) > 128 {
		return validationErrorf(field, "length %d exceeds maximum of 128", len(name))
	}
	if !validIdentifier.MatchString(name) {
		return validationErrorf(field, "must match %s", validIdentifier.String())
	}
	return nil
}
