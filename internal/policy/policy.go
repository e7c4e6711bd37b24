// Package policy evaluates whether an access request qualifies for
// automatic approval, given per-entitlement rules.
package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Rule holds the per-entitlement policy configured by administrators.
// Rules are read-only to the engine and may change between evaluations;
// they are not versioned or pinned to a request.
type Rule struct {
	Entitlement string `yaml:"entitlement"`

	// MaxDuration bounds the duration a request may ask for.
	MaxDuration time.Duration `yaml:"max_duration"`

	// BusinessHoursOnly auto-qualifies requests submitted inside the
	// business-hours window.
	BusinessHoursOnly bool `yaml:"business_hours_only"`

	// MaxAutoApproveDuration auto-qualifies requests at or under this
	// duration. Zero disables the condition.
	MaxAutoApproveDuration time.Duration `yaml:"max_auto_approve_duration"`

	// PreapprovedPrincipals auto-qualify regardless of other conditions.
	PreapprovedPrincipals []string `yaml:"preapproved_principals"`

	// Approvers may decide requests for this entitlement.
	Approvers []string `yaml:"approvers"`
}

// Preapproved reports whether the principal is on the rule's preapproved
// list.
func (r *Rule) Preapproved(principal string) bool {
	for _, p := range r.PreapprovedPrincipals {
		if p == principal {
			return true
		}
	}
	return false
}

// IsApprover reports whether the identity is on the rule's approver
// roster. An empty roster means any identity may approve.
func (r *Rule) IsApprover(identity string) bool {
	if len(r.Approvers) == 0 {
		return true
	}
	for _, a := range r.Approvers {
		if a == identity {
			return true
		}
	}
	return false
}

// CombineMode controls how auto-approve conditions combine.
type CombineMode string

const (
	// CombineAny auto-approves when any condition holds. This matches the
	// historical behavior; it is deliberately permissive since each
	// condition is independently sufficient.
	CombineAny CombineMode = "any"
	// CombineAll requires every configured condition to hold.
	CombineAll CombineMode = "all"
)

// BusinessHours defines the weekday time-of-day window used by
// BusinessHoursOnly rules.
type BusinessHours struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

// Contains reports whether t falls inside the window on a weekday.
func (b BusinessHours) Contains(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := t.Hour()
	return h >= b.StartHour && h < b.EndHour
}

// Verdict is the result of evaluating a request against a rule.
type Verdict struct {
	AutoApprove bool
	// Matched names the conditions that held, for the audit detail.
	Matched []string
}

// Detail renders the matched conditions for audit entries.
func (v Verdict) Detail() string {
	if !v.AutoApprove {
		return "no auto-approve condition matched"
	}
	return "auto-approved: " + strings.Join(v.Matched, ", ")
}

// File is the on-disk shape of the policy configuration.
type File struct {
	Mode          CombineMode   `yaml:"mode"`
	BusinessHours BusinessHours `yaml:"business_hours"`
	Rules         []Rule        `yaml:"rules"`
}

// Engine evaluates auto-approval policy. Evaluation is a pure function of
// (request, rule, now); the clock is injected for deterministic tests.
type Engine struct {
	mu            sync.RWMutex
	rules         map[string]Rule
	mode          CombineMode
	businessHours BusinessHours
	now           func() time.Time
	logger        zerolog.Logger
}

// NewEngine creates an engine with no rules loaded.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		rules:         make(map[string]Rule),
		mode:          CombineAny,
		businessHours: BusinessHours{StartHour: 9, EndHour: 17},
		now:           time.Now,
		logger:        logger.With().Str("component", "policy").Logger(),
	}
}

// SetClock overrides the engine's clock (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// LoadFile reads and applies a YAML policy file.
func (e *Engine) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	return e.Load(raw)
}

// Load parses and applies YAML policy configuration.
func (e *Engine) Load(raw []byte) error {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing policy: %w", err)
	}

	if f.Mode == "" {
		f.Mode = CombineAny
	}
	if f.Mode != CombineAny && f.Mode != CombineAll {
		return fmt.Errorf("invalid policy mode %q, expected %q or %q", f.Mode, CombineAny, CombineAll)
	}
	if f.BusinessHours == (BusinessHours{}) {
		f.BusinessHours = BusinessHours{StartHour: 9, EndHour: 17}
	}
	if f.BusinessHours.StartHour < 0 || f.BusinessHours.EndHour > 24 ||
		f.BusinessHours.StartHour >= f.BusinessHours.EndHour {
		return fmt.Errorf("invalid business hours window %d-%d", f.BusinessHours.StartHour, f.BusinessHours.EndHour)
	}

	rules := make(map[string]Rule, len(f.Rules))
	for _, r := range f.Rules {
		if r.Entitlement == "" {
			return fmt.Errorf("policy rule missing entitlement")
		}
		if r.MaxDuration <= 0 {
			return fmt.Errorf("policy rule %q: max_duration must be positive", r.Entitlement)
		}
		if _, exists := rules[r.Entitlement]; exists {
			return fmt.Errorf("duplicate policy rule for entitlement %q", r.Entitlement)
		}
		rules[r.Entitlement] = r
	}

	e.mu.Lock()
	e.rules = rules
	e.mode = f.Mode
	e.businessHours = f.BusinessHours
	e.mu.Unlock()

	e.logger.Info().
		Int("rules", len(rules)).
		Str("mode", string(f.Mode)).
		Msg("policy loaded")
	return nil
}

// RuleFor returns the rule for an entitlement, if one is configured.
func (e *Engine) RuleFor(entitlement string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[entitlement]
	return r, ok
}

// Entitlements returns the configured entitlement names.
func (e *Engine) Entitlements() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	return names
}

// Evaluate returns the auto-approval verdict for a request against its
// rule. Conditions: the business-hours window, the auto-approve duration
// ceiling, and the preapproved-principal list. How they combine is set by
// the policy mode.
func (e *Engine) Evaluate(principal string, duration time.Duration, rule Rule) Verdict {
	e.mu.RLock()
	mode := e.mode
	hours := e.businessHours
	now := e.now()
	e.mu.RUnlock()

	type condition struct {
		name       string
		configured bool
		held       bool
	}

	conditions := []condition{
		{
			name:       "business_hours",
			configured: rule.BusinessHoursOnly,
			held:       rule.BusinessHoursOnly && hours.Contains(now),
		},
		{
			name:       "duration",
			configured: rule.MaxAutoApproveDuration > 0,
			held:       rule.MaxAutoApproveDuration > 0 && duration <= rule.MaxAutoApproveDuration,
		},
		{
			name:       "preapproved",
			configured: len(rule.PreapprovedPrincipals) > 0,
			held:       rule.Preapproved(principal),
		},
	}

	var verdict Verdict
	anyConfigured := false
	allHeld := true
	for _, c := range conditions {
		if !c.configured {
			continue
		}
		anyConfigured = true
		if c.held {
			verdict.Matched = append(verdict.Matched, c.name)
		} else {
			allHeld = false
		}
	}

	if !anyConfigured {
		return Verdict{}
	}

	switch mode {
	case CombineAll:
		verdict.AutoApprove = allHeld
	default:
		verdict.AutoApprove = len(verdict.Matched) > 0
	}
	if !verdict.AutoApprove {
		verdict.Matched = nil
	}
	return verdict
}
