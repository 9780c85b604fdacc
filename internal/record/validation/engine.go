// Package validation evaluates category rule sets over record payloads.
// Rules are pure functions: no I/O, no clock, identical input gives
// identical output. Every rule runs on every call and the violations are
// aggregated, so callers always see the complete set.
package validation

import (
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"gorm.io/datatypes"
)

// Rule inspects a subset of payload fields and returns zero or more
// violations.
type Rule func(payload datatypes.JSONMap) []domain.FieldError

// RuleSet is the ordered list of rules bound to one category.
type RuleSet []Rule

// Registry maps categories to their rule sets. Categories unknown to the
// registry validate trivially so new data elements can be introduced
// before their rules land.
type Registry struct {
	rules map[domain.Category]RuleSet
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[domain.Category]RuleSet)}
}

// Register binds rules to a category, replacing any prior binding.
func (r *Registry) Register(category domain.Category, rules ...Rule) {
	r.rules[category] = RuleSet(rules)
}

// Extend appends rules to a category's existing set.
func (r *Registry) Extend(category domain.Category, rules ...Rule) {
	r.rules[category] = append(r.rules[category], rules...)
}

func (r *Registry) RulesFor(category domain.Category) RuleSet {
	return r.rules[category]
}

// Engine is the pure rule evaluator.
type Engine struct {
	registry *Registry
}

func NewEngine(registry *Registry) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{registry: registry}
}

// Validate runs every rule registered for the category and aggregates
// the violations. No short-circuiting.
func (e *Engine) Validate(category domain.Category, payload datatypes.JSONMap) domain.ValidationResult {
	var errs []domain.FieldError
	for _, rule := range e.registry.RulesFor(category) {
		errs = append(errs, rule(payload)...)
	}
	return domain.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
