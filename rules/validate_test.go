package rules

import (
	"errors"
	"strings"
	"testing"
)

func validRule() *Rule {
	return &Rule{
		ID:          "late-invoice-reminder",
		TenantScope: "tenant-a",
		Trigger:     Trigger{EventType: "invoice.overdue"},
		Actions:     []Action{{Kind: ActionNotify}},
	}
}

func TestValidateRuleAcceptsValidRule(t *testing.T) {
	ev, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() failed: %v", err)
	}
	r := validRule()
	r.Conditions = &Condition{Op: OpAll, Children: []*Condition{
		{Op: OpGt, Field: "event.amount", Value: 100},
		{Op: OpExpr, Expr: `event.currency == "USD"`},
	}}
	if err := ValidateRule(r, ev); err != nil {
		t.Errorf("ValidateRule() failed for a valid rule: %v", err)
	}
}

func TestValidateRuleRejections(t *testing.T) {
	ev, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"missing id", func(r *Rule) { r.ID = "" }},
		{"bad id characters", func(r *Rule) { r.ID = "has spaces" }},
		{"id too long", func(r *Rule) { r.ID = strings.Repeat("a", 129) }},
		{"missing scope", func(r *Rule) { r.TenantScope = "" }},
		{"missing trigger type", func(r *Rule) { r.Trigger.EventType = "" }},
		{"no actions", func(r *Rule) { r.Actions = nil }},
		{"unknown action kind", func(r *Rule) { r.Actions = []Action{{Kind: "teleport"}} }},
		{"gated action without approver roles", func(r *Rule) {
			r.Actions = []Action{{Kind: ActionMutateEntity, RequiresApproval: true}}
		}},
		{"gated escalation action", func(r *Rule) {
			r.EscalationAction = &Action{Kind: ActionMutateEntity, RequiresApproval: true, ApproverRoles: []string{"cfo"}}
		}},
		{"negative sla", func(r *Rule) { r.SLADuration = -1 }},
		{"unknown condition op", func(r *Rule) {
			r.Conditions = &Condition{Op: "fuzzy", Field: "event.x", Value: 1}
		}},
		{"empty composite", func(r *Rule) {
			r.Conditions = &Condition{Op: OpAll}
		}},
		{"not with two children", func(r *Rule) {
			r.Conditions = &Condition{Op: OpNot, Children: []*Condition{
				{Op: OpEq, Field: "event.a", Value: 1},
				{Op: OpEq, Field: "event.b", Value: 2},
			}}
		}},
		{"leaf without field", func(r *Rule) {
			r.Conditions = &Condition{Op: OpEq, Value: 1}
		}},
		{"in without values", func(r *Rule) {
			r.Conditions = &Condition{Op: OpIn, Field: "event.x"}
		}},
		{"invalid regex", func(r *Rule) {
			r.Conditions = &Condition{Op: OpRegex, Field: "event.x", Value: "["}
		}},
		{"invalid cel expression", func(r *Rule) {
			r.Conditions = &Condition{Op: OpExpr, Expr: "event.amount >"}
		}},
		{"empty cel expression", func(r *Rule) {
			r.Conditions = &Condition{Op: OpExpr}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)

			err := ValidateRule(r, ev)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("ValidateRule() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestValidateRuleDepthLimit(t *testing.T) {
	deep := &Condition{Op: OpEq, Field: "event.x", Value: 1}
	for i := 0; i < maxConditionDepth+1; i++ {
		deep = &Condition{Op: OpNot, Children: []*Condition{deep}}
	}
	r := validRule()
	r.Conditions = deep

	var ve *ValidationError
	if err := ValidateRule(r, nil); !errors.As(err, &ve) {
		t.Errorf("ValidateRule() error = %v, want depth ValidationError", err)
	}
}

func TestValidatePack(t *testing.T) {
	if err := ValidatePack(&Pack{ID: "dunning", Name: "Dunning", RuleIDs: []string{"a", "b"}}); err != nil {
		t.Errorf("ValidatePack() failed for a valid pack: %v", err)
	}

	var ve *ValidationError
	if err := ValidatePack(&Pack{ID: "empty", Name: "Empty"}); !errors.As(err, &ve) {
		t.Errorf("ValidatePack(no rules) error = %v, want ValidationError", err)
	}
	if err := ValidatePack(&Pack{ID: "dup", RuleIDs: []string{"a", "a"}}); !errors.As(err, &ve) {
		t.Errorf("ValidatePack(duplicate member) error = %v, want ValidationError", err)
	}
	if err := ValidatePack(&Pack{RuleIDs: []string{"a"}}); !errors.As(err, &ve) {
		t.Errorf("ValidatePack(no id) error = %v, want ValidationError", err)
	}
}
