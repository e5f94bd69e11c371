// Package policy evaluates verdicts against tenant-scoped rules and
// selects the most severe matching remediation action.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Remediation actions, ordered by severity. Unknown actions never win.
const (
	ActionNone       = "none"
	ActionTag        = "tag"
	ActionQuarantine = "quarantine"
	ActionDelete     = "delete"
)

// actionPriority ranks actions so the most destructive matching rule wins.
var actionPriority = map[string]int{
	ActionDelete:     4,
	ActionQuarantine: 3,
	ActionTag:        2,
	ActionNone:       1,
}

// Rule is one configured policy: who it applies to, what evidence it
// looks for, and the action to take when the evidence is present.
type Rule struct {
	Name   string `yaml:"name"`
	Scope  Scope  `yaml:"scope"`
	When   When   `yaml:"when"`
	Action string `yaml:"action"`
}

// Scope restricts a rule to a tenant, sender pattern, and recipient patterns.
// Empty or "*" values match everything. Sender and recipient patterns
// support shell-style globs, matched case-insensitively.
type Scope struct {
	Tenant     string     `yaml:"tenant"`
	Sender     string     `yaml:"sender"`
	Recipients StringList `yaml:"recipients"`
}

// When names the analyzers to inspect and the observation clause to test.
// An empty analyzer list inspects every analyzer's results.
type When struct {
	Analyzer    StringList `yaml:"analyzer"`
	Observation Clause     `yaml:"observation"`
}

// Clause tests a single observation by key. Exactly one operator is
// consulted, in this order: equals, gte, lte, contains, exists.
type Clause struct {
	Key      string      `yaml:"key"`
	Equals   interface{} `yaml:"equals"`
	GTE      *float64    `yaml:"gte"`
	LTE      *float64    `yaml:"lte"`
	Contains string      `yaml:"contains"`
	Exists   bool        `yaml:"exists"`
}

// StringList accepts either a single scalar or a sequence in YAML,
// so rules can say `analyzer: header_auth` or `analyzer: [a, b]`.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
	default:
		return fmt.Errorf("policy: expected string or list of strings, got yaml node kind %d", value.Kind)
	}
	return nil
}

// Values returns the underlying string slice.
func (s StringList) Values() []string { return []string(s) }
