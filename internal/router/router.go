// Package router implements the Model Router (C3): given a requested alias,
// the extracted Factors, and session health, it resolves an alias via
// category signals, then threshold rules, then a default — grounded on
// resolveModelViaCategories / resolveModelViaRouter / evaluateModelRouterRule
// / evaluateCategorySignal / evaluateModelRouterCondition in
// original_source/codegen/lb_codegen.py.
package router

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/routingcore/llmrouter/internal/factors"
)

// Condition is one clause of a threshold Rule (spec.md §3).
type Condition struct {
	Field string
	Op    string
	Value any
}

// Rule is a named threshold rule: all/any of its Conditions must hold.
type Rule struct {
	Name        string
	Priority    int
	TargetModel string
	Match       string // "all" | "any"
	When        []Condition
}

// Category is evaluated before any Rule; its Signals are scanned in order
// and the first match wins.
type Category struct {
	Name        string
	Priority    int
	TargetModel string
	Signals     []string
}

// Config is the immutable RouterConfig of spec.md §3.
type Config struct {
	Enabled          bool
	ShadowOnly       bool
	LogFactors       bool
	ActivationModels map[string]bool
	DefaultModel     string
	Categories       []Category // priority-sorted desc by the loader
	Rules            []Rule     // priority-sorted desc by the loader
}

// RouteTableChecker is the minimal surface router needs from routetable.RouteTable.
type RouteTableChecker interface {
	Has(alias string) bool
}

// Decision is the result of Resolve; Applied mirrors spec.md §4.2's formula.
type Decision struct {
	Tag            string // e.g. category_hit_<name>, rule_hit_<name>, default_model, no_rule, disabled, not_activated
	SuggestedModel string
	Applied        bool
	EvalTrace      []string
}

// Resolve implements spec.md §4.2 verbatim.
func Resolve(cfg Config, requestedAlias string, f factors.Factors, rt RouteTableChecker) Decision {
	if !cfg.Enabled {
		return Decision{Tag: "disabled", SuggestedModel: requestedAlias, Applied: false}
	}
	if len(cfg.ActivationModels) > 0 && !cfg.ActivationModels[requestedAlias] {
		return Decision{Tag: "not_activated", SuggestedModel: requestedAlias, Applied: false}
	}

	fields := fieldsOf(f)
	var trace []string

	for _, cat := range cfg.Categories {
		for _, sig := range cat.Signals {
			ok, reason := evaluateSignal(sig, f, fields)
			trace = append(trace, fmt.Sprintf("%s:%s=%v(%s)", cat.Name, sig, ok, reason))
			if !ok {
				continue
			}
			if !rt.Has(cat.TargetModel) {
				trace = append(trace, fmt.Sprintf("%s: target %q not in route table, rejected", cat.Name, cat.TargetModel))
				break
			}
			return Decision{
				Tag:            "category_hit_" + cat.Name,
				SuggestedModel: cat.TargetModel,
				Applied:        !cfg.ShadowOnly && cat.TargetModel != requestedAlias,
				EvalTrace:      trace,
			}
		}
	}

	for _, rule := range cfg.Rules {
		matched, ruleTrace := evaluateRule(rule, fields)
		trace = append(trace, ruleTrace...)
		if !matched {
			continue
		}
		if !rt.Has(rule.TargetModel) {
			trace = append(trace, fmt.Sprintf("%s: target %q not in route table, rejected", rule.Name, rule.TargetModel))
			continue
		}
		return Decision{
			Tag:            "rule_hit_" + rule.Name,
			SuggestedModel: rule.TargetModel,
			Applied:        !cfg.ShadowOnly && rule.TargetModel != requestedAlias,
			EvalTrace:      trace,
		}
	}

	if cfg.DefaultModel != "" && rt.Has(cfg.DefaultModel) {
		return Decision{
			Tag:            "default_model",
			SuggestedModel: cfg.DefaultModel,
			Applied:        !cfg.ShadowOnly && cfg.DefaultModel != requestedAlias,
			EvalTrace:      trace,
		}
	}
	return Decision{Tag: "no_rule", SuggestedModel: requestedAlias, Applied: false, EvalTrace: trace}
}

func evaluateRule(r Rule, fields map[string]any) (bool, []string) {
	if len(r.When) == 0 {
		return true, []string{r.Name + ": vacuously true (empty when)"}
	}
	var trace []string
	matchAny := r.Match == "any"
	for _, c := range r.When {
		ok, reason := evaluateCondition(c, fields)
		trace = append(trace, fmt.Sprintf("%s: %s %s %v => %v (%s)", r.Name, c.Field, c.Op, c.Value, ok, reason))
		if matchAny && ok {
			return true, trace
		}
		if !matchAny && !ok {
			return false, trace
		}
	}
	return !matchAny, trace
}

// evaluateCondition implements the Condition operator set of spec.md §3 with
// the scalar coercion rules of §4.2.
func evaluateCondition(c Condition, fields map[string]any) (bool, string) {
	actual, exists := fields[c.Field]

	switch c.Op {
	case "exists":
		return exists, "exists"
	case "not_exists":
		return !exists, "not_exists"
	}
	if !exists {
		return false, "field_missing"
	}

	switch c.Op {
	case "==":
		return scalarEquals(actual, c.Value), "eq"
	case "!=":
		return !scalarEquals(actual, c.Value), "neq"
	case "<", "<=", ">", ">=":
		a, aok := toFiniteNumber(actual)
		b, bok := toFiniteNumber(c.Value)
		if !aok || !bok {
			return false, "non_numeric_compare"
		}
		switch c.Op {
		case "<":
			return a < b, "lt"
		case "<=":
			return a <= b, "lte"
		case ">":
			return a > b, "gt"
		default:
			return a >= b, "gte"
		}
	case "in", "not_in":
		list, ok := c.Value.([]any)
		if !ok {
			return false, "value_not_list"
		}
		found := false
		for _, item := range list {
			if scalarEquals(actual, item) {
				found = true
				break
			}
		}
		if c.Op == "in" {
			return found, "in"
		}
		return !found, "not_in"
	case "contains", "not_contains":
		hay := fmt.Sprint(actual)
		needle := fmt.Sprint(c.Value)
		found := strings.Contains(hay, needle)
		if c.Op == "contains" {
			return found, "contains"
		}
		return !found, "not_contains"
	case "regex":
		pattern, ok := c.Value.(string)
		if !ok {
			return false, "invalid_regex"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, "invalid_regex"
		}
		return re.MatchString(fmt.Sprint(actual)), "regex"
	default:
		return false, "unknown_op"
	}
}

// normalizeScalar coerces "true"/"false"/numeric strings to their typed
// values so cross-type comparisons behave sanely.
func normalizeScalar(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func toFiniteNumber(v any) (float64, bool) {
	switch n := normalizeScalar(v).(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case bool:
		return 0, false
	default:
		return 0, false
	}
}

func scalarEquals(a, b any) bool {
	na, nb := normalizeScalar(a), normalizeScalar(b)
	af, aok := toFiniteNumber(na)
	bf, bok := toFiniteNumber(nb)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(na) == fmt.Sprint(nb)
}

// evaluateSignal evaluates one category Signal string "type:value" against
// the factors record (spec.md §3 "Signal").
func evaluateSignal(signal string, f factors.Factors, fields map[string]any) (bool, string) {
	typ, value, ok := strings.Cut(signal, ":")
	if !ok {
		return false, "malformed_signal"
	}
	switch typ {
	case "keyword":
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return false, "invalid_regex"
		}
		return re.MatchString(f.LastUserText), "keyword"
	case "task_category":
		return string(f.TaskCategory) == value, "task_category"
	case "tool_profile":
		return string(f.ToolProfile) == value, "tool_profile"
	case "has_code_context":
		want := value == "true"
		return f.HasCodeContext == want, "has_code_context"
	case "system_prompt_type":
		for _, t := range f.SystemPromptType {
			if t == value {
				return true, "system_prompt_type"
			}
		}
		return false, "system_prompt_type"
	case "conversation_depth", "messages_count":
		return evaluateComparatorSignal(float64(f.MessagesCount), value)
	case "prompt_chars":
		return evaluateComparatorSignal(float64(f.PromptChars), value)
	default:
		return false, "unknown_signal_type"
	}
}

var comparatorPrefix = regexp.MustCompile(`^(>=|<=|>|<|==)?(-?\d+(\.\d+)?)$`)

// evaluateComparatorSignal parses an optional comparator prefix (">=25") —
// bare numbers mean "==".
func evaluateComparatorSignal(actual float64, value string) (bool, string) {
	m := comparatorPrefix.FindStringSubmatch(value)
	if m == nil {
		return false, "invalid_threshold"
	}
	op := m[1]
	if op == "" {
		op = "=="
	}
	threshold, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return false, "invalid_threshold"
	}
	switch op {
	case ">=":
		return actual >= threshold, "threshold"
	case "<=":
		return actual <= threshold, "threshold"
	case ">":
		return actual > threshold, "threshold"
	case "<":
		return actual < threshold, "threshold"
	default:
		return actual == threshold, "threshold"
	}
}

// fieldsOf builds the Condition field map from a Factors record.
// conversation_depth is exposed as an alias of messages_count (supplemented
// feature, see SPEC_FULL.md).
func fieldsOf(f factors.Factors) map[string]any {
	return map[string]any{
		"requested_model":        f.RequestedModel,
		"messages_count":         f.MessagesCount,
		"conversation_depth":     f.MessagesCount,
		"tools_count":            f.ToolsCount,
		"has_thinking_signature": f.HasThinkingSignature,
		"has_system_prompt":      f.HasSystemPrompt,
		"prompt_chars":           f.PromptChars,
		"failure_streak":         f.FailureStreak,
		"success_streak":         f.SuccessStreak,
		"last_user_text":         f.LastUserText,
		"task_category":          string(f.TaskCategory),
		"tool_profile":           string(f.ToolProfile),
		"has_code_context":       f.HasCodeContext,
	}
}
