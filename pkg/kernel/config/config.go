// Package config defines the engine's own configuration document — the
// resource Limits, enabled special-construct set, caster names, and
// JMESPath options — and provides JSON Schema self-description and
// validation for that document. Only Limits reaches the engine (the jperm
// CLI converts it for factory.BuildDefault); the other settings are loaded
// and validated but not read by any engine code.
// This never validates a user's DSL spec (spec.md §1's "no schema
// validation" non-goal is about Value trees, not engine configuration).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
)

// Limits mirrors engine.Limits with YAML/JSON tags and jsonschema
// descriptions, since engine.Limits itself carries none (it is an
// execution-hot-path struct, not a serialization format). Converted to an
// engine.Limits via ToEngineLimits.
type Limits struct {
	MaxOperations             int `yaml:"max_operations" json:"max_operations" jsonschema:"minimum=1,description=Total step/construct budget for one Apply call."`
	ValueMaxDepth             int `yaml:"value_max_depth" json:"value_max_depth" jsonschema:"minimum=1,description=Maximum nesting depth the value pipeline will stabilise before raising value_max_depth_exceeded."`
	MaxFunctionRecursionDepth int `yaml:"max_function_recursion_depth" json:"max_function_recursion_depth" jsonschema:"minimum=1"`
	MaxLoopIterations         int `yaml:"max_loop_iterations" json:"max_loop_iterations" jsonschema:"minimum=1,description=Per-while-step iteration cap."`
	MaxForeachItems           int `yaml:"max_foreach_items" json:"max_foreach_items" jsonschema:"minimum=1,description=Per-foreach-step item cap."`

	RegexTimeoutMS    int64    `yaml:"regex_timeout_ms" json:"regex_timeout_ms" jsonschema:"minimum=1,description=Timeout, in milliseconds, enforced around every $regex_* construct."`
	RegexAllowedFlags []string `yaml:"regex_allowed_flags" json:"regex_allowed_flags" jsonschema:"description=Subset of ignorecase/multiline/dotall/verbose/ascii permitted in a $regex_* step's 'flags' argument."`

	PowMaxBase     float64 `yaml:"pow_max_base" json:"pow_max_base"`
	PowMaxExponent float64 `yaml:"pow_max_exponent" json:"pow_max_exponent"`

	MulMaxStringResult int     `yaml:"mul_max_string_result" json:"mul_max_string_result"`
	MulMaxOperand      float64 `yaml:"mul_max_operand" json:"mul_max_operand"`

	AddMaxNumberResult float64 `yaml:"add_max_number_result" json:"add_max_number_result"`
	AddMaxStringResult int     `yaml:"add_max_string_result" json:"add_max_string_result"`
	SubMaxNumberResult float64 `yaml:"sub_max_number_result" json:"sub_max_number_result"`

	StrMaxSplitResults  int `yaml:"str_max_split_results" json:"str_max_split_results"`
	StrMaxJoinResult    int `yaml:"str_max_join_result" json:"str_max_join_result"`
	StrMaxReplaceResult int `yaml:"str_max_replace_result" json:"str_max_replace_result"`
}

// regexFlagNames maps config's string flag names onto engine.RegexFlag bits,
// in the order spec.md §5 lists them.
var regexFlagNames = []struct {
	Name string
	Flag engine.RegexFlag
}{
	{"ignorecase", engine.RegexIgnoreCase},
	{"multiline", engine.RegexMultiline},
	{"dotall", engine.RegexDotAll},
	{"verbose", engine.RegexVerbose},
	{"ascii", engine.RegexASCII},
}

func parseRegexFlags(names []string) engine.RegexFlag {
	var out engine.RegexFlag
	for _, n := range names {
		for _, rf := range regexFlagNames {
			if rf.Name == n {
				out |= rf.Flag
			}
		}
	}
	return out
}

func formatRegexFlags(flags engine.RegexFlag) []string {
	var out []string
	for _, rf := range regexFlagNames {
		if flags&rf.Flag != 0 {
			out = append(out, rf.Name)
		}
	}
	return out
}

// DefaultLimits returns the config-shaped view of engine.DefaultLimits().
func DefaultLimits() Limits {
	return FromEngineLimits(engine.DefaultLimits())
}

// FromEngineLimits converts a resolved engine.Limits back to its
// config-file shape, e.g. for Config.Schema() round-tripping or for a
// "dump current defaults" CLI subcommand.
func FromEngineLimits(l engine.Limits) Limits {
	return Limits{
		MaxOperations:             l.MaxOperations,
		ValueMaxDepth:             l.ValueMaxDepth,
		MaxFunctionRecursionDepth: l.MaxFunctionRecursionDepth,
		MaxLoopIterations:         l.MaxLoopIterations,
		MaxForeachItems:           l.MaxForeachItems,
		RegexTimeoutMS:            l.RegexTimeout.Milliseconds(),
		RegexAllowedFlags:         formatRegexFlags(l.RegexAllowedFlags),
		PowMaxBase:                l.PowMaxBase,
		PowMaxExponent:            l.PowMaxExponent,
		MulMaxStringResult:        l.MulMaxStringResult,
		MulMaxOperand:             l.MulMaxOperand,
		AddMaxNumberResult:        l.AddMaxNumberResult,
		AddMaxStringResult:        l.AddMaxStringResult,
		SubMaxNumberResult:        l.SubMaxNumberResult,
		StrMaxSplitResults:        l.StrMaxSplitResults,
		StrMaxJoinResult:          l.StrMaxJoinResult,
		StrMaxReplaceResult:       l.StrMaxReplaceResult,
	}
}

// ToEngineLimits converts the config-file Limits into the engine's runtime
// Limits struct.
func (l Limits) ToEngineLimits() engine.Limits {
	return engine.Limits{
		MaxOperations:             l.MaxOperations,
		ValueMaxDepth:             l.ValueMaxDepth,
		MaxFunctionRecursionDepth: l.MaxFunctionRecursionDepth,
		MaxLoopIterations:         l.MaxLoopIterations,
		MaxForeachItems:           l.MaxForeachItems,
		RegexTimeout:              time.Duration(l.RegexTimeoutMS) * time.Millisecond,
		RegexAllowedFlags:         parseRegexFlags(l.RegexAllowedFlags),
		PowMaxBase:                l.PowMaxBase,
		PowMaxExponent:            l.PowMaxExponent,
		MulMaxStringResult:        l.MulMaxStringResult,
		MulMaxOperand:             l.MulMaxOperand,
		AddMaxNumberResult:        l.AddMaxNumberResult,
		AddMaxStringResult:        l.AddMaxStringResult,
		SubMaxNumberResult:        l.SubMaxNumberResult,
		StrMaxSplitResults:        l.StrMaxSplitResults,
		StrMaxJoinResult:          l.StrMaxJoinResult,
		StrMaxReplaceResult:       l.StrMaxReplaceResult,
	}
}

// JMESPathOptions holds JMESPath settings. They are loaded and validated
// with the rest of Config; no engine code reads them.
type JMESPathOptions struct {
	// MaxEvalDepth is a depth bound for nested $eval. It is loaded and
	// validated but not applied: nested $eval is not limited by it.
	MaxEvalDepth int `yaml:"max_eval_depth" json:"max_eval_depth" jsonschema:"minimum=1"`
}

// Config is the engine's own configuration document, expressed as a YAML
// file an operator can edit, schema-check, and load. The jperm CLI passes
// only Limits on to factory.BuildDefault.
type Config struct {
	// Limits overrides engine.DefaultLimits() field by field.
	Limits Limits `yaml:"limits" json:"limits"`

	// EnabledSpecials names construct marker keys (e.g. ["$ref", "$eval"],
	// factory.py's own narrower default). It is loaded and validated but
	// not passed to factory.BuildDefault, which registers every
	// construct.go handler regardless.
	EnabledSpecials []string `yaml:"enabled_specials,omitempty" json:"enabled_specials,omitempty" jsonschema:"description=Construct marker keys such as $ref or $eval. Loaded and validated only: the engine registers every construct regardless."`

	// CasterNames names a subset of construct.BuiltinCasters. It is loaded
	// and validated but not applied: $cast always has every builtin caster.
	CasterNames []string `yaml:"casters,omitempty" json:"casters,omitempty" jsonschema:"description=Caster names such as int or str. Loaded and validated only: $cast always has every builtin caster."`

	JMESPath JMESPathOptions `yaml:"jmespath" json:"jmespath"`
}

// Default returns the Config matching factory.BuildDefault's own
// zero-Options behavior: default Limits, every special and caster enabled.
func Default() Config {
	return Config{
		Limits:   DefaultLimits(),
		JMESPath: JMESPathOptions{MaxEvalDepth: 50},
	}
}

// Load reads and strictly decodes a YAML config document, rejecting unknown
// fields — the same strict-decode posture as the teacher's
// pkg/kernel/schema.LoadFile.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Schema generates a JSON Schema (Draft 2020-12) document describing
// Config, for editor tooling and for Validate's own compilation step. Never
// used to validate a DSL spec — only the config document itself.
func (c Config) Schema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Config{})
	s.ID = "https://github.com/ormasoftchile/jperm/schemas/config-v1.json"
	s.Title = "jperm engine configuration"
	s.Description = "Schema for jperm engine configuration YAML documents"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	return data, nil
}

// Validate loads the YAML document at path and checks it against the
// Config JSON Schema, independent of whether it strictly decodes — a
// config with an out-of-range limit or wrong value type surfaces as a
// schema validation error here rather than a less specific YAML decode
// error.
func (c Config) Validate(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	jsonDoc, err := toJSONCompatible(doc)
	if err != nil {
		return fmt.Errorf("convert config to json: %w", err)
	}

	schemaJSON, err := c.Schema()
	if err != nil {
		return fmt.Errorf("generate config schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal config schema: %w", err)
	}

	compiler := sjsonschema.NewCompiler()
	if err := compiler.AddResource("config-v1.json", schemaDoc); err != nil {
		return fmt.Errorf("add config schema resource: %w", err)
	}
	sch, err := compiler.Compile("config-v1.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	if err := sch.Validate(jsonDoc); err != nil {
		return fmt.Errorf("config %s does not match schema: %w", path, err)
	}
	return nil
}

// toJSONCompatible converts a yaml.v3-decoded document (which uses
// map[string]any for mappings) into the map[string]any/[]any/scalar shape
// encoding/json and the jsonschema validator expect, round-tripping through
// JSON marshal/unmarshal rather than hand-walking the tree.
func toJSONCompatible(v any) (any, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, err
	}
	return out, nil
}
