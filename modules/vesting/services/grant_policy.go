package services

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
)

const (
	policyDecisionAllow = "allow"
	policyDecisionDeny  = "deny"

	policyDefaultAllowCode = "VESTING_POLICY_DEFAULT_ALLOW"
	policyDeniedCode       = "VESTING_POLICY_DENIED"
)

// PolicyRule is one operator-configured admission rule over grant schedules.
// Eligibility selects which rules apply; the highest-priority eligible
// rule's decision wins. No eligible rule admits the grant: policy constrains
// initialization, its absence never blocks it.
type PolicyRule struct {
	RuleID          string `yaml:"rule_id" json:"rule_id"`
	Priority        int    `yaml:"priority" json:"priority"`
	EligibilityExpr string `yaml:"eligibility_expr" json:"eligibility_expr"`
	DecisionExpr    string `yaml:"decision_expr" json:"decision_expr"`
	ReasonCode      string `yaml:"reason_code" json:"reason_code"`
}

type grantPolicyFile struct {
	Version int          `yaml:"version"`
	Rules   []PolicyRule `yaml:"rules"`
}

type GrantPolicy struct {
	rules []PolicyRule
}

func ParseGrantPolicyYAML(b []byte) (*GrantPolicy, error) {
	var f grantPolicyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Version != 1 {
		return nil, errors.New("grant policy: unsupported version")
	}
	for _, rule := range f.Rules {
		if strings.TrimSpace(rule.RuleID) == "" || strings.TrimSpace(rule.DecisionExpr) == "" {
			return nil, errors.New("grant policy: rule_id and decision_expr are required")
		}
	}
	return &GrantPolicy{rules: f.Rules}, nil
}

func LoadGrantPolicy(path string) (*GrantPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseGrantPolicyYAML(b)
}

type PolicyDecision struct {
	Decision            string `json:"decision"`
	ReasonCode          string `json:"reason_code"`
	SelectedRuleID      string `json:"selected_rule_id,omitempty"`
	CandidatesEvaluated int    `json:"candidates_evaluated"`
	EligibilityMatched  int    `json:"eligibility_matched"`
}

type PolicyDeniedError struct {
	RuleID     string
	ReasonCode string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("vesting: grant denied by policy rule %s (%s)", e.RuleID, e.ReasonCode)
}

var newGrantPolicyCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("schedule", cel.MapType(cel.StringType, cel.UintType)),
		cel.Variable("asset", cel.StringType),
	)
}

var grantPolicyEligibilityProgramCache sync.Map
var grantPolicyDecisionProgramCache sync.Map

func celScheduleMap(s types.GrantSchedule) map[string]uint64 {
	return map[string]uint64{
		"cliff_seconds":     s.CliffSeconds,
		"duration_seconds":  s.DurationSeconds,
		"seconds_per_slice": s.SecondsPerSlice,
		"start_unix":        s.StartUnix,
		"total_amount":      s.TotalAmount,
	}
}

// Evaluate dry-runs the admission rules against a schedule without touching
// any grant state.
func (p *GrantPolicy) Evaluate(asset string, schedule types.GrantSchedule) (PolicyDecision, error) {
	input := map[string]any{
		"schedule": celScheduleMap(schedule),
		"asset":    asset,
	}

	matched := 0
	var selected *PolicyRule
	for i := range p.rules {
		rule := p.rules[i]
		eligible := true
		if strings.TrimSpace(rule.EligibilityExpr) != "" {
			v, err := evalPolicyBoolExpr(rule.EligibilityExpr, input, &grantPolicyEligibilityProgramCache)
			if err != nil {
				return PolicyDecision{}, err
			}
			eligible = v
		}
		if !eligible {
			continue
		}
		matched++
		if selected == nil || rule.Priority > selected.Priority {
			copyRule := rule
			selected = &copyRule
		}
	}

	if selected == nil {
		return PolicyDecision{
			Decision:            policyDecisionAllow,
			ReasonCode:          policyDefaultAllowCode,
			CandidatesEvaluated: len(p.rules),
			EligibilityMatched:  matched,
		}, nil
	}

	allowed, err := evalPolicyBoolExpr(selected.DecisionExpr, input, &grantPolicyDecisionProgramCache)
	if err != nil {
		return PolicyDecision{}, err
	}
	decision := policyDecisionAllow
	reasonCode := policyDefaultAllowCode
	if !allowed {
		decision = policyDecisionDeny
		reasonCode = strings.TrimSpace(selected.ReasonCode)
		if reasonCode == "" {
			reasonCode = policyDeniedCode
		}
	}
	return PolicyDecision{
		Decision:            decision,
		ReasonCode:          reasonCode,
		SelectedRuleID:      selected.RuleID,
		CandidatesEvaluated: len(p.rules),
		EligibilityMatched:  matched,
	}, nil
}

// Admit returns a PolicyDeniedError when the rules reject the schedule.
func (p *GrantPolicy) Admit(asset string, schedule types.GrantSchedule) error {
	if p == nil {
		return nil
	}
	decision, err := p.Evaluate(asset, schedule)
	if err != nil {
		return err
	}
	if decision.Decision == policyDecisionDeny {
		return &PolicyDeniedError{RuleID: decision.SelectedRuleID, ReasonCode: decision.ReasonCode}
	}
	return nil
}

func evalPolicyBoolExpr(expr string, input map[string]any, cache *sync.Map) (bool, error) {
	program, err := loadOrCompilePolicyProgram(expr, cache)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(input)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("grant policy: expression did not produce a bool")
	}
	return v, nil
}

func loadOrCompilePolicyProgram(expr string, cache *sync.Map) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("grant policy: expression required")
	}
	if cached, ok := cache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newGrantPolicyCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("grant policy: expression output type mismatch")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	cache.Store(expr, program)
	return program, nil
}
