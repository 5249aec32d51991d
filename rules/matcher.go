package rules

import "sort"

// sortRules orders rules by (priority ascending, id ascending). This
// ordering is a hard contract: conflict resolution in the executor depends
// on deterministic precedence.
func sortRules(rs []*Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// Match returns the candidate rules for an event: trigger type equals the
// event type, the attribute filter subset-matches the payload, the scope
// covers the tenant, the rule is enabled, and its parent pack (if any) is
// enabled. Pure lookup over the pinned snapshot; never mutates store state.
//
// Candidates come back sorted by (priority asc, id asc).
func (s *Snapshot) Match(tenantID, eventType string, payload map[string]any) []*Rule {
	var out []*Rule
	for _, r := range s.Rules {
		if !r.Enabled || r.Trigger.EventType != eventType || !r.AppliesTo(tenantID) {
			continue
		}
		if r.PackID != "" {
			pack, ok := s.Packs[r.PackID]
			if !ok || !pack.Enabled {
				continue
			}
		}
		if !filterMatches(r.Trigger.Filter, payload) {
			continue
		}
		out = append(out, r)
	}
	sortRules(out)
	return out
}

// RuleEnabled reports whether a rule and its parent pack are both enabled in
// this snapshot. The executor re-checks this against a fresh snapshot before
// each retry attempt so disabling a rule or pack cancels in-flight retries.
func (s *Snapshot) RuleEnabled(id string) bool {
	for _, r := range s.Rules {
		if r.ID != id {
			continue
		}
		if !r.Enabled {
			return false
		}
		if r.PackID != "" {
			pack, ok := s.Packs[r.PackID]
			return ok && pack.Enabled
		}
		return true
	}
	return false
}

// filterMatches checks every filter entry against the payload. A filter on
// a missing or unequal payload attribute disqualifies the rule.
func filterMatches(filter, payload map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}
