package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/ignite/ices-pipeline/internal/models"
)

// Decision is the outcome of evaluating a verdict against the rule set.
// A non-matching evaluation yields {PolicyName: "", Action: "none"}.
type Decision struct {
	PolicyName          string               `json:"policy_name"`
	Action              string               `json:"action"`
	MatchedAnalyzer     string               `json:"matched_analyzer,omitempty"`
	MatchedObservations []models.Observation `json:"matched_observations,omitempty"`
}

// Engine evaluates verdicts against an ordered rule list.
type Engine struct {
	rules []Rule
}

// NewEngine creates a policy engine over the given rules.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// RuleCount reports how many rules the engine evaluates.
func (e *Engine) RuleCount() int { return len(e.rules) }

// Evaluate runs every rule against the verdict and returns the decision
// with the most severe action. Ties keep the earliest matching rule.
func (e *Engine) Evaluate(v *models.Verdict) Decision {
	best := Decision{Action: ActionNone}
	bestPriority := 0

	for _, rule := range e.rules {
		d, ok := evaluateRule(rule, v)
		if !ok {
			continue
		}
		if actionPriority[d.Action] > bestPriority {
			best = d
			bestPriority = actionPriority[d.Action]
		}
	}

	if bestPriority == 0 {
		return Decision{Action: ActionNone}
	}
	return best
}

func evaluateRule(rule Rule, v *models.Verdict) (Decision, bool) {
	if !scopeMatches(rule.Scope, v) {
		return Decision{}, false
	}

	clause := rule.When.Observation
	if clause.Key == "" {
		// A rule without an observation key can never match anything
		return Decision{}, false
	}

	analyzers := rule.When.Analyzer.Values()

	for _, result := range v.Results {
		if len(analyzers) > 0 && !containsString(analyzers, result.Analyzer) {
			continue
		}
		for _, obs := range result.Observations {
			if obs.Key != clause.Key {
				continue
			}
			if !clauseMatches(clause, obs) {
				continue
			}
			return Decision{
				PolicyName:          rule.Name,
				Action:              rule.Action,
				MatchedAnalyzer:     result.Analyzer,
				MatchedObservations: []models.Observation{obs},
			}, true
		}
	}

	return Decision{}, false
}

func scopeMatches(scope Scope, v *models.Verdict) bool {
	if scope.Tenant != "" && scope.Tenant != "*" {
		if scope.Tenant != v.TenantID && scope.Tenant != v.TenantAlias {
			return false
		}
	}

	if scope.Sender != "" && scope.Sender != "*" {
		if !globMatch(scope.Sender, v.Sender) {
			return false
		}
	}

	patterns := scope.Recipients.Values()
	if len(patterns) > 0 && !containsString(patterns, "*") {
		matched := false
		for _, pattern := range patterns {
			for _, recipient := range v.Recipients {
				if globMatch(pattern, recipient) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func clauseMatches(clause Clause, obs models.Observation) bool {
	if clause.Equals != nil {
		return equalsMatch(clause.Equals, obs)
	}
	if clause.GTE != nil {
		f, ok := obs.Float()
		return ok && f >= *clause.GTE
	}
	if clause.LTE != nil {
		f, ok := obs.Float()
		return ok && f <= *clause.LTE
	}
	if clause.Contains != "" {
		return strings.Contains(strings.ToLower(obs.String()), strings.ToLower(clause.Contains))
	}
	if clause.Exists {
		return true
	}
	return false
}

func equalsMatch(expected interface{}, obs models.Observation) bool {
	if b, ok := obs.Bool(); ok {
		return b == expectedTruthy(expected)
	}
	return strings.EqualFold(fmt.Sprintf("%v", expected), obs.String())
}

// expectedTruthy coerces a rule's equals value to a boolean, accepting the
// spellings rule authors actually write: true, "true", "True", 1.
func expectedTruthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "True"
	case int:
		return x == 1
	case float64:
		return x == 1
	}
	return false
}

// globMatch compares a shell-style pattern case-insensitively.
// Patterns without glob metacharacters degrade to an exact compare.
func globMatch(pattern, value string) bool {
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	if err != nil {
		return false
	}
	return ok
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
