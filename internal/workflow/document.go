package workflow

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// The raw document mirrors the on-disk shape. Pointer fields distinguish
// "absent" from "zero" so defaults apply only to absent values.
type rawPiece struct {
	Name      *string       `yaml:"name" json:"name"`
	Version   *string       `yaml:"version" json:"version"`
	Goal      *string       `yaml:"goal" json:"goal"`
	Personas  []rawPersona  `yaml:"personas" json:"personas"`
	Movements []rawMovement `yaml:"movements" json:"movements"`
	Edges     []rawEdge     `yaml:"edges" json:"edges"`
	Rules     *rawRules     `yaml:"rules" json:"rules"`
}

type rawPersona struct {
	Name         *string  `yaml:"name" json:"name"`
	Model        *string  `yaml:"model" json:"model"`
	Role         *string  `yaml:"role" json:"role"`
	Blind        *bool    `yaml:"blind" json:"blind"`
	Specialist   *string  `yaml:"specialist" json:"specialist"`
	Obligations  []string `yaml:"obligations" json:"obligations"`
	Permissions  []string `yaml:"permissions" json:"permissions"`
	Prohibitions []string `yaml:"prohibitions" json:"prohibitions"`
}

type rawMovement struct {
	Name            *string         `yaml:"name" json:"name"`
	Goal            *string         `yaml:"goal" json:"goal"`
	AssignedTo      *string         `yaml:"assigned_to" json:"assigned_to"`
	Type            *string         `yaml:"type" json:"type"`
	GoalGate        *float64        `yaml:"goal_gate" json:"goal_gate"`
	ModelConfig     *rawModelConfig `yaml:"model_config" json:"model_config"`
	Retry           *rawRetry       `yaml:"retry" json:"retry"`
	ContextStrategy *string         `yaml:"context_strategy" json:"context_strategy"`
	Inputs          []string        `yaml:"inputs" json:"inputs"`
	Outputs         []string        `yaml:"outputs" json:"outputs"`
	Critic          *bool           `yaml:"critic" json:"critic"`
	Timeout         *int            `yaml:"timeout" json:"timeout"`
}

type rawModelConfig struct {
	Model       *string  `yaml:"model" json:"model"`
	Reasoning   *string  `yaml:"reasoning" json:"reasoning"`
	Temperature *float64 `yaml:"temperature" json:"temperature"`
	Tier        *string  `yaml:"tier" json:"tier"`
	MaxTokens   *int     `yaml:"max_tokens" json:"max_tokens"`
}

type rawRetry struct {
	MaxAttempts     *int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff         *string `yaml:"backoff" json:"backoff"`
	DegradationMode *string `yaml:"degradation_mode" json:"degradation_mode"`
}

type rawEdge struct {
	From      *string  `yaml:"from" json:"from"`
	To        *string  `yaml:"to" json:"to"`
	Condition *string  `yaml:"condition" json:"condition"`
	Weight    *float64 `yaml:"weight" json:"weight"`
}

type rawRules struct {
	SatisfactionThreshold *float64 `yaml:"satisfaction_threshold" json:"satisfaction_threshold"`
}

var (
	roles           = []string{"lead", "worker", "judge", "summarizer", "planner", "coder", "tester", "reviewer"}
	specialists     = []string{"coder", "tester", "refactorer", "doc-writer"}
	movementTypes   = []string{"code", "test", "review", "refactor", "document"}
	contextStrategy = []string{"full", "summary", "minimal", "indexed"}
	backoffs        = []string{"fixed", "linear", "exponential"}
	tiers           = []string{"sota", "fast", "static"}
)

// checker accumulates structural errors; it never stops at the first one.
type checker struct {
	errs []FieldError
}

func (c *checker) add(path, code, format string, args ...any) {
	c.errs = append(c.errs, FieldError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) required(path string, v *string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		c.add(path, ErrRequired, "is required")
		return ""
	}
	return *v
}

func (c *checker) enum(path string, v *string, allowed []string, def string) string {
	if v == nil {
		return def
	}
	if !slices.Contains(allowed, *v) {
		c.add(path, ErrInvalidEnum, "must be one of %s, got %q", strings.Join(allowed, ", "), *v)
		return def
	}
	return *v
}

func (c *checker) unit(path string, v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	if *v < 0 || *v > 1 {
		c.add(path, ErrOutOfRange, "must be between 0 and 1, got %g", *v)
	}
	return *v
}

func (c *checker) positive(path string, v *int) int {
	if v == nil {
		return 0
	}
	if *v <= 0 {
		c.add(path, ErrOutOfRange, "must be a positive integer, got %d", *v)
	}
	return *v
}

// build runs the structural phase: required fields, enums, ranges, list
// sizes and unique names. Defaults are applied while converting.
func (raw *rawPiece) build() (*Piece, []FieldError) {
	c := &checker{}
	p := &Piece{
		Name:    c.required("name", raw.Name),
		Version: DefaultVersion,
		Goal:    c.required("goal", raw.Goal),
	}
	if raw.Version != nil && *raw.Version != "" {
		p.Version = *raw.Version
	}

	if len(raw.Personas) == 0 {
		c.add("personas", ErrEmptyList, "at least one persona is required")
	}
	seenPersona := make(map[string]bool)
	for i, rp := range raw.Personas {
		path := fmt.Sprintf("personas[%d]", i)
		persona := Persona{
			Name:         c.required(path+".name", rp.Name),
			Model:        deref(rp.Model),
			Role:         Role(c.enum(path+".role", rp.Role, roles, "")),
			Blind:        rp.Blind != nil && *rp.Blind,
			Obligations:  orEmpty(rp.Obligations),
			Permissions:  orEmpty(rp.Permissions),
			Prohibitions: orEmpty(rp.Prohibitions),
		}
		if rp.Role == nil {
			c.add(path+".role", ErrRequired, "is required")
		}
		if rp.Specialist != nil {
			persona.Specialist = Specialist(c.enum(path+".specialist", rp.Specialist, specialists, ""))
		}
		if persona.Name != "" {
			if seenPersona[persona.Name] {
				c.add(path+".name", ErrDuplicateName, "duplicate persona name %q", persona.Name)
			}
			seenPersona[persona.Name] = true
		}
		p.Personas = append(p.Personas, persona)
	}

	if len(raw.Movements) == 0 {
		c.add("movements", ErrEmptyList, "at least one movement is required")
	}
	seenMovement := make(map[string]bool)
	for i, rm := range raw.Movements {
		path := fmt.Sprintf("movements[%d]", i)
		m := Movement{
			Name:            c.required(path+".name", rm.Name),
			Goal:            c.required(path+".goal", rm.Goal),
			AssignedTo:      c.required(path+".assigned_to", rm.AssignedTo),
			Type:            MovementType(c.enum(path+".type", rm.Type, movementTypes, string(MovementCode))),
			GoalGate:        c.unit(path+".goal_gate", rm.GoalGate, DefaultGoalGate),
			ContextStrategy: ContextStrategy(c.enum(path+".context_strategy", rm.ContextStrategy, contextStrategy, string(ContextSummary))),
			Inputs:          orEmpty(rm.Inputs),
			Outputs:         orEmpty(rm.Outputs),
			Critic:          rm.Critic != nil && *rm.Critic,
		}
		if secs := c.positive(path+".timeout", rm.Timeout); secs > 0 {
			m.Timeout = time.Duration(secs) * time.Second
		}
		if rm.ModelConfig != nil {
			m.ModelConfig = rm.ModelConfig.build(c, path+".model_config")
		}
		if rm.Retry != nil {
			m.Retry = rm.Retry.build(c, path+".retry")
		}
		if m.Name != "" {
			if seenMovement[m.Name] {
				c.add(path+".name", ErrDuplicateName, "duplicate movement name %q", m.Name)
			}
			seenMovement[m.Name] = true
		}
		p.Movements = append(p.Movements, m)
	}

	p.Edges = []Edge{}
	for i, re := range raw.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		p.Edges = append(p.Edges, Edge{
			From:      c.required(path+".from", re.From),
			To:        c.required(path+".to", re.To),
			Condition: deref(re.Condition),
			Weight:    re.Weight,
		})
	}

	p.Rules = Rules{SatisfactionThreshold: DefaultSatisfactionThreshold}
	if raw.Rules != nil {
		p.Rules.SatisfactionThreshold = c.unit("rules.satisfaction_threshold",
			raw.Rules.SatisfactionThreshold, DefaultSatisfactionThreshold)
	}

	return p, c.errs
}

func (r *rawModelConfig) build(c *checker, path string) *ModelConfig {
	mc := &ModelConfig{
		Model:     deref(r.Model),
		Reasoning: deref(r.Reasoning),
		Tier:      Tier(c.enum(path+".tier", r.Tier, tiers, string(TierSOTA))),
		MaxTokens: c.positive(path+".max_tokens", r.MaxTokens),
	}
	if r.Temperature != nil {
		if *r.Temperature < 0 || *r.Temperature > 2 {
			c.add(path+".temperature", ErrOutOfRange, "must be between 0 and 2, got %g", *r.Temperature)
		}
		t := *r.Temperature
		mc.Temperature = &t
	}
	return mc
}

func (r *rawRetry) build(c *checker, path string) *RetryPolicy {
	rp := &RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		Backoff:         Backoff(c.enum(path+".backoff", r.Backoff, backoffs, string(BackoffExponential))),
		DegradationMode: deref(r.DegradationMode),
	}
	if r.MaxAttempts != nil {
		rp.MaxAttempts = c.positive(path+".max_attempts", r.MaxAttempts)
	}
	return rp
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
