// Package routerconfig loads the YAML documents that describe routes,
// categories, rules, and auto-upgrade mappings (spec.md §6 "Configuration
// surface"), merging an inline default with an optional file override and
// substituting ${VAR} references against the process environment. Grounded
// on the teacher's internal/config/config.go env-loading style and on the
// YAML route/category/rule shapes described in SPEC_FULL.md's "DOMAIN
// STACK" section (gopkg.in/yaml.v3, contributed by the itsneelabh-gomind example).
package routerconfig

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/routingcore/llmrouter/internal/autoupgrade"
	"github.com/routingcore/llmrouter/internal/router"
	"github.com/routingcore/llmrouter/internal/routetable"
)

// rawDoc mirrors the on-disk YAML shape; router.Config/routetable.RouteTable/
// autoupgrade.Config are built from it once loaded.
type rawDoc struct {
	Router struct {
		Enabled          bool     `yaml:"enabled"`
		ShadowOnly       bool     `yaml:"shadow_only"`
		LogFactors       bool     `yaml:"log_factors"`
		ActivationModels []string `yaml:"activation_models"`
		DefaultModel     string   `yaml:"default_model"`
		Categories       []rawCategory `yaml:"categories"`
		Rules            []rawRule     `yaml:"rules"`
	} `yaml:"router"`

	AutoUpgrade struct {
		Enabled                bool              `yaml:"enabled"`
		Mapping                map[string]string `yaml:"mapping"`
		MessagesThreshold      int               `yaml:"messages_threshold"`
		ToolsThreshold         int               `yaml:"tools_threshold"`
		FailureStreakThreshold int               `yaml:"failure_streak_threshold"`
		SignatureUpgrade       bool              `yaml:"signature_upgrade"`
	} `yaml:"auto_upgrade"`

	Routes map[string][]rawTarget `yaml:"routes"`
}

type rawCategory struct {
	Name        string   `yaml:"name"`
	Priority    int      `yaml:"priority"`
	TargetModel string   `yaml:"target_model"`
	Signals     []string `yaml:"signals"`
}

type rawRule struct {
	Name        string         `yaml:"name"`
	Priority    int            `yaml:"priority"`
	TargetModel string         `yaml:"target_model"`
	Match       string         `yaml:"match"`
	When        []rawCondition `yaml:"when"`
}

type rawCondition struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

type rawTarget struct {
	BackendURL       string            `yaml:"backend_url"`
	UpstreamModel    string            `yaml:"upstream_model"`
	Weight           int               `yaml:"weight"`
	ProviderTag      string            `yaml:"provider_tag"`
	ProviderInstance string            `yaml:"provider_instance"`
	ReasoningEffort  string            `yaml:"reasoning_effort"`
	ThinkingBudgetMax int              `yaml:"thinking_budget_max"`
	MaxTokensMax     int               `yaml:"max_tokens_max"`
	MaxTokensDefault int               `yaml:"max_tokens_default"`
	ThinkingLevel    string            `yaml:"thinking_level"`
	AnthropicBeta    string            `yaml:"anthropic_beta"`
	ExtraHeaders     map[string]string `yaml:"extra_headers"`
}

// Result bundles everything the engine needs from configuration.
type Result struct {
	Router      router.Config
	AutoUpgrade autoupgrade.Config
	RouteTable  *routetable.RouteTable
}

// Load parses the inline YAML document, merges file (if non-empty) over it
// key-wise, substitutes ${VAR} placeholders, and builds the typed config.
func Load(inline, file string) (Result, error) {
	base, err := parse(inline)
	if err != nil {
		return Result{}, fmt.Errorf("routerconfig: inline: %w", err)
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Result{}, fmt.Errorf("routerconfig: reading %s: %w", file, err)
		}
		override, err := parse(string(data))
		if err != nil {
			return Result{}, fmt.Errorf("routerconfig: %s: %w", file, err)
		}
		deepMerge(base, override)
	}
	return build(base), nil
}

func parse(doc string) (map[string]any, error) {
	out := map[string]any{}
	if doc == "" {
		return out, nil
	}
	if err := yaml.Unmarshal([]byte(substituteEnv(doc)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} with os.Environ()'s value, leaving the
// placeholder untouched if the variable is unset.
func substituteEnv(doc string) string {
	return envPattern.ReplaceAllStringFunc(doc, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// deepMerge merges override into base in place: maps merge key-wise,
// everything else (scalars, slices) is replaced wholesale.
func deepMerge(base, override map[string]any) {
	for k, v := range override {
		existing, ok := base[k]
		if !ok {
			base[k] = v
			continue
		}
		existingMap, eok := existing.(map[string]any)
		overrideMap, ook := v.(map[string]any)
		if eok && ook {
			deepMerge(existingMap, overrideMap)
			continue
		}
		base[k] = v
	}
}

func build(doc map[string]any) Result {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return Result{RouteTable: routetable.Build(nil)}
	}
	var raw rawDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Result{RouteTable: routetable.Build(nil)}
	}

	activation := make(map[string]bool, len(raw.Router.ActivationModels))
	for _, a := range raw.Router.ActivationModels {
		activation[a] = true
	}

	categories := make([]router.Category, 0, len(raw.Router.Categories))
	for _, c := range raw.Router.Categories {
		categories = append(categories, router.Category{
			Name: c.Name, Priority: c.Priority, TargetModel: c.TargetModel, Signals: c.Signals,
		})
	}
	sortByPriorityDesc(categories, func(c router.Category) int { return c.Priority })

	rules := make([]router.Rule, 0, len(raw.Router.Rules))
	for _, r := range raw.Router.Rules {
		when := make([]router.Condition, 0, len(r.When))
		for _, c := range r.When {
			when = append(when, router.Condition{Field: c.Field, Op: c.Op, Value: c.Value})
		}
		rules = append(rules, router.Rule{
			Name: r.Name, Priority: r.Priority, TargetModel: r.TargetModel, Match: r.Match, When: when,
		})
	}
	sortByPriorityDesc(rules, func(r router.Rule) int { return r.Priority })

	routes := make(map[string][]routetable.Target, len(raw.Routes))
	for alias, targets := range raw.Routes {
		converted := make([]routetable.Target, 0, len(targets))
		for _, t := range targets {
			converted = append(converted, routetable.Target{
				BackendURL:       t.BackendURL,
				UpstreamModel:    t.UpstreamModel,
				Weight:           t.Weight,
				ProviderTag:      t.ProviderTag,
				ProviderInstance: t.ProviderInstance,
				Params: routetable.Params{
					ReasoningEffort:   t.ReasoningEffort,
					ThinkingBudgetMax: t.ThinkingBudgetMax,
					MaxTokensMax:      t.MaxTokensMax,
					MaxTokensDefault:  t.MaxTokensDefault,
					ThinkingLevel:     t.ThinkingLevel,
					AnthropicBeta:     t.AnthropicBeta,
					ExtraHeaders:      t.ExtraHeaders,
				},
			})
		}
		routes[alias] = converted
	}

	return Result{
		Router: router.Config{
			Enabled:          raw.Router.Enabled,
			ShadowOnly:       raw.Router.ShadowOnly,
			LogFactors:       raw.Router.LogFactors,
			ActivationModels: activation,
			DefaultModel:     raw.Router.DefaultModel,
			Categories:       categories,
			Rules:            rules,
		},
		AutoUpgrade: autoupgrade.Config{
			Enabled:                raw.AutoUpgrade.Enabled,
			Mapping:                raw.AutoUpgrade.Mapping,
			MessagesThreshold:      raw.AutoUpgrade.MessagesThreshold,
			ToolsThreshold:         raw.AutoUpgrade.ToolsThreshold,
			FailureStreakThreshold: raw.AutoUpgrade.FailureStreakThreshold,
			SignatureUpgrade:       raw.AutoUpgrade.SignatureUpgrade,
		},
		RouteTable: routetable.Build(routes),
	}
}

// sortByPriorityDesc is a tiny insertion sort; these slices are at most a
// few dozen entries long so O(n^2) is fine and keeps the sort stable.
func sortByPriorityDesc[T any](items []T, priority func(T) int) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && priority(items[j-1]) < priority(items[j]) {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}
