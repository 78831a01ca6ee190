// Package registry holds the set of configured rate-limiting rules and
// resolves a rule plus a request's scope value into the composite backend
// key that strategy state is stored under, plus the per-identifier key for
// block records.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlfredDev/ratethrottle/strategy"
)

// Metadata is the minimal shape a rule's optional Condition predicate needs
// to see. It mirrors the root ratethrottle.Metadata type without importing
// it, since registry sits below the root package in the dependency graph.
type Metadata struct {
	Endpoint string
	Method   string
	UserID   string
	APIKey   string
	Custom   map[string]string
}

// Scope identifies which field of a request a Rule partitions its limit by.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
	ScopeGlobal   Scope = "global"
	ScopeCustom   Scope = "custom"
)

// Valid reports whether s is one of the five known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeIP, ScopeUser, ScopeEndpoint, ScopeGlobal, ScopeCustom:
		return true
	default:
		return false
	}
}

// Rule is a named rate limit: which strategy evaluates it, what scope it
// partitions by, and the strategy's parameters. CustomKey names the
// Metadata.Custom entry to read when Scope is ScopeCustom.
type Rule struct {
	Name      string
	Scope     Scope
	CustomKey string
	Strategy  strategy.Kind
	Params    strategy.Params

	// BlockDuration, when > 0, causes a violation under this rule to issue
	// a block record honored for its full duration regardless of
	// subsequent strategy state (see the Engine's block-state gate).
	BlockDuration time.Duration

	// Condition, when non-nil, is consulted before strategy evaluation; when
	// it returns false the Engine answers that request with an allowed
	// verdict at full Limit, without consulting access control, block state,
	// or the strategy, and without updating any counters.
	Condition func(Metadata) bool
}

// ErrRuleNotFound is returned by GetRule/RemoveRule for an unknown name.
var ErrRuleNotFound = errors.New("registry: rule not found")

// ErrInvalidRule is returned by AddRule when a rule fails validation.
var ErrInvalidRule = errors.New("registry: invalid rule")

func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidRule)
	}
	if !r.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, r.Scope)
	}
	if r.Scope == ScopeCustom && r.CustomKey == "" {
		return fmt.Errorf("%w: custom scope requires CustomKey", ErrInvalidRule)
	}
	if !r.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRule, r.Strategy)
	}
	if r.Params.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidRule)
	}
	if r.Params.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidRule)
	}
	return nil
}

// Registry is a concurrency-safe collection of named rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// AddRule validates and stores rule, replacing any existing rule of the same
// name.
func (reg *Registry) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rules[rule.Name] = rule
	return nil
}

// RemoveRule deletes the named rule. Returns ErrRuleNotFound if it does not
// exist.
func (reg *Registry) RemoveRule(name string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.rules[name]; !ok {
		return ErrRuleNotFound
	}
	delete(reg.rules, name)
	return nil
}

// GetRule returns the named rule.
func (reg *Registry) GetRule(name string) (Rule, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rule, ok := reg.rules[name]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	return rule, nil
}

// ListRules returns a snapshot of every configured rule, in no particular
// order.
func (reg *Registry) ListRules() []Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Rule, 0, len(reg.rules))
	for _, r := range reg.rules {
		out = append(out, r)
	}
	return out
}

// ErrMissingScopeData is returned by BucketKey when the rule's scope
// requires a value that was not supplied.
var ErrMissingScopeData = errors.New("registry: missing scope data")

// BucketKey computes the composite backend key "rt:<rule>:<scope>:<value>"
// for rule evaluated against scopeValue (the IP, user ID, endpoint path, or
// custom-field value selected by the rule's Scope). ScopeGlobal ignores
// scopeValue entirely.
func BucketKey(rule Rule, scopeValue string) (string, error) {
	if rule.Scope == ScopeGlobal {
		return fmt.Sprintf("rt:%s:global", rule.Name), nil
	}
	if scopeValue == "" {
		return "", fmt.Errorf("%w: rule %q requires a %s value", ErrMissingScopeData, rule.Name, rule.Scope)
	}
	return fmt.Sprintf("rt:%s:%s:%s", rule.Name, rule.Scope, scopeValue), nil
}

// BlockKey computes the backend key under which a block record for
// (identifier, rule) is stored. Block records are per identifier, not per
// scope-value, so a block placed under one rule's endpoint-scoped bucket
// still blocks every request from that identifier under that rule.
func BlockKey(rule Rule, identifier string) string {
	return fmt.Sprintf("rt:%s:%s:block", rule.Name, identifier)
}
