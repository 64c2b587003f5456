package tripwire

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk definition format the Config-loading collaborator
// supplies: trigger and function definitions as plain mappings.
type Config struct {
	Triggers  []TriggerConfig  `yaml:"triggers" validate:"dive"`
	Functions []FunctionConfig `yaml:"functions" validate:"dive"`

	baseDir string
}

// ConditionConfig is one node of the nested leaf/compound structure.
// Either Compound+Children or Type+Params is set.
type ConditionConfig struct {
	Compound string            `yaml:"compound,omitempty"`
	Children []ConditionConfig `yaml:"children,omitempty"`
	Type     string            `yaml:"type,omitempty"`
	Params   map[string]any    `yaml:"params,omitempty"`
}

type TriggerConfig struct {
	ID         string           `yaml:"id" validate:"required,slug"`
	Name       string           `yaml:"name"`
	Priority   int              `yaml:"priority"`
	Active     *bool            `yaml:"active,omitempty"` // nil = active
	Timeout    string           `yaml:"timeout,omitempty"`
	Conditions *ConditionConfig `yaml:"conditions,omitempty"`
	Functions  []string         `yaml:"functions" validate:"required,min=1"`
}

type FunctionConfig struct {
	ID           string            `yaml:"id" validate:"required,slug"`
	Runtime      string            `yaml:"runtime" validate:"required,oneof=dsl wasm script lua"`
	Code         string            `yaml:"code" validate:"required"`
	InputSchema  map[string]any    `yaml:"input_schema,omitempty"`
	OutputSchema map[string]any    `yaml:"output_schema,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty" default:"5s"`
	Env          map[string]string `yaml:"env,omitempty"`
	Fallback     []string          `yaml:"fallback,omitempty"`
	Limits       LimitsConfig      `yaml:"limits,omitempty"`
}

type LimitsConfig struct {
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes,omitempty"`
	MaxCPU         string `yaml:"max_cpu,omitempty"`
}

// LoadConfig reads one YAML definition file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling YAML: %w", err)
	}
	cfg.baseDir = filepath.Dir(path)

	if err := prepareConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigDir reads and merges every *.yaml and *.yml file in dir,
// in lexical order.
func LoadConfigDir(dir string) (*Config, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("error reading directory: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	merged := &Config{baseDir: dir}
	for _, file := range files {
		cfg, err := LoadConfig(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		merged.Triggers = append(merged.Triggers, cfg.Triggers...)
		merged.Functions = append(merged.Functions, cfg.Functions...)
	}
	return merged, nil
}

// BuildTriggers converts the raw trigger configs into validated Trigger
// values, including condition-tree construction and expression compilation.
func (c *Config) BuildTriggers() ([]Trigger, error) {
	triggers := make([]Trigger, 0, len(c.Triggers))
	for _, tc := range c.Triggers {
		t, err := buildTrigger(tc)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// BuildFunctions converts the raw function configs into definitions,
// resolving file: code references relative to the config directory and
// expanding ${VAR:default} env values.
func (c *Config) BuildFunctions() ([]FunctionDefinition, error) {
	defs := make([]FunctionDefinition, 0, len(c.Functions))
	for _, fc := range c.Functions {
		def, err := c.buildFunction(fc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Build produces both registries' contents and cross-validates the pair:
// duplicate ids on either side and dangling trigger bindings are rejected
// here, before Apply touches any registry. Nothing is swapped here; see Apply.
func (c *Config) Build() ([]Trigger, []FunctionDefinition, error) {
	defs, err := c.BuildFunctions()
	if err != nil {
		return nil, nil, err
	}
	triggers, err := c.BuildTriggers()
	if err != nil {
		return nil, nil, err
	}

	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		if known[def.ID] {
			return nil, nil, validationError("duplicate function id %q", def.ID)
		}
		known[def.ID] = true
	}
	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		if seen[t.ID] {
			return nil, nil, validationError("duplicate trigger id %q", t.ID)
		}
		seen[t.ID] = true
		for _, fn := range t.Functions {
			if !known[fn] {
				return nil, nil, validationError("trigger %q: bound function %q not defined", t.ID, fn)
			}
		}
	}
	return triggers, defs, nil
}

// Apply atomically loads the config into both registries: functions first
// (triggers reference them), then triggers. Both reloads follow
// validate-then-swap, and Build has already cross-validated the pair, so a
// failure here leaves prior state fully intact.
func (c *Config) Apply(registry *Registry, functions *FunctionRegistry) error {
	triggers, defs, err := c.Build()
	if err != nil {
		return err
	}
	if err := functions.Reload(defs); err != nil {
		return err
	}
	return registry.ReloadFromConfig(triggers)
}

func buildTrigger(tc TriggerConfig) (Trigger, error) {
	tree, err := buildConditionTree(tc.Conditions)
	if err != nil {
		return Trigger{}, validationError("trigger %q: %v", tc.ID, err)
	}

	timeout, err := parseDuration(tc.Timeout)
	if err != nil {
		return Trigger{}, validationError("trigger %q: invalid timeout: %v", tc.ID, err)
	}

	active := true
	if tc.Active != nil {
		active = *tc.Active
	}

	t := Trigger{
		ID:         tc.ID,
		Name:       tc.Name,
		Priority:   tc.Priority,
		Active:     active,
		Timeout:    timeout,
		Conditions: tree,
		Functions:  append([]string(nil), tc.Functions...),
	}
	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func buildConditionTree(cc *ConditionConfig) (*ConditionTree, error) {
	if cc == nil {
		return nil, nil
	}

	if cc.Compound != "" {
		if cc.Type != "" {
			return nil, fmt.Errorf("condition node cannot set both compound and type")
		}
		children := make([]*ConditionTree, 0, len(cc.Children))
		for i := range cc.Children {
			child, err := buildConditionTree(&cc.Children[i])
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &ConditionTree{Op: CompoundOp(strings.ToLower(cc.Compound)), Children: children}, nil
	}

	if cc.Type == "" {
		return nil, fmt.Errorf("condition node needs either compound or type")
	}

	cond := Condition{Type: strings.ToLower(cc.Type)}
	if len(cc.Params) > 0 {
		if err := decodeParams(cc.Params, &cond); err != nil {
			return nil, fmt.Errorf("condition %q: %w", cc.Type, err)
		}
		_, cond.HasDefault = cc.Params["default"]
	}
	return Leaf(cond), nil
}

func (c *Config) buildFunction(fc FunctionConfig) (FunctionDefinition, error) {
	code := fc.Code
	if ref, ok := strings.CutPrefix(code, "file:"); ok {
		raw, err := os.ReadFile(filepath.Join(c.baseDir, ref))
		if err != nil {
			return FunctionDefinition{}, validationError("function %q: cannot read code file: %v", fc.ID, err)
		}
		code = string(raw)
	}

	timeout, err := parseDuration(fc.Timeout)
	if err != nil {
		return FunctionDefinition{}, validationError("function %q: invalid timeout: %v", fc.ID, err)
	}
	maxCPU, err := parseDuration(fc.Limits.MaxCPU)
	if err != nil {
		return FunctionDefinition{}, validationError("function %q: invalid max_cpu: %v", fc.ID, err)
	}

	env := make(map[string]string, len(fc.Env))
	for k, v := range fc.Env {
		expanded, expandErr := expandEnvValue(v)
		if expandErr != nil {
			return FunctionDefinition{}, validationError("function %q: env %s: %v", fc.ID, k, expandErr)
		}
		env[k] = expanded
	}

	return FunctionDefinition{
		ID:           fc.ID,
		Runtime:      RuntimeType(fc.Runtime),
		Code:         code,
		InputSchema:  fc.InputSchema,
		OutputSchema: fc.OutputSchema,
		Timeout:      timeout,
		Env:          env,
		Fallback:     append([]string(nil), fc.Fallback...),
		Limits: ResourceLimits{
			MaxMemoryBytes: fc.Limits.MaxMemoryBytes,
			MaxCPU:         maxCPU,
		},
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
