package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/kalambet/datamachine/internal/handler"
)

var validate = validator.New()

// Config is the typed configuration of one step. Each step type has its own
// variant; handler-specific keys the variant does not name are kept aside
// and forwarded to the handler.
type Config interface {
	StepType() handler.Type
	// ToolName is the tool to invoke; empty selects the handler's first tool.
	ToolName() string
	// Params returns the settings forwarded to the handler.
	Params() map[string]any
}

type InputConfig struct {
	Tool string `mapstructure:"tool"`
	// Filter is an expr-lang boolean expression evaluated against each item.
	Filter        string         `mapstructure:"filter"`
	MaxItems      int            `mapstructure:"max_items" default:"50" validate:"gte=1,lte=1000"`
	SkipProcessed bool           `mapstructure:"skip_processed" default:"true"`
	Extra         map[string]any `mapstructure:",remain"`
}

func (c *InputConfig) StepType() handler.Type  { return handler.TypeInput }
func (c *InputConfig) ToolName() string        { return c.Tool }
func (c *InputConfig) Params() map[string]any { return copyMap(c.Extra) }

type AIConfig struct {
	Tool         string `mapstructure:"tool"`
	Model        string `mapstructure:"model"`
	Prompt       string `mapstructure:"prompt"`
	SystemPrompt string `mapstructure:"system_prompt"`
	// Strict makes a failed AI call fail the job instead of being recorded
	// and passed through.
	Strict bool           `mapstructure:"strict"`
	Extra  map[string]any `mapstructure:",remain"`
}

func (c *AIConfig) StepType() handler.Type { return handler.TypeAI }
func (c *AIConfig) ToolName() string       { return c.Tool }

func (c *AIConfig) Params() map[string]any {
	p := copyMap(c.Extra)
	if c.Model != "" {
		p["model"] = c.Model
	}
	if c.Prompt != "" {
		p["prompt"] = c.Prompt
	}
	if c.SystemPrompt != "" {
		p["system_prompt"] = c.SystemPrompt
	}
	return p
}

type UpdateConfig struct {
	Tool  string         `mapstructure:"tool"`
	Extra map[string]any `mapstructure:",remain"`
}

func (c *UpdateConfig) StepType() handler.Type  { return handler.TypeUpdate }
func (c *UpdateConfig) ToolName() string        { return c.Tool }
func (c *UpdateConfig) Params() map[string]any { return copyMap(c.Extra) }

type OutputConfig struct {
	Tool  string         `mapstructure:"tool"`
	Extra map[string]any `mapstructure:",remain"`
}

func (c *OutputConfig) StepType() handler.Type  { return handler.TypeOutput }
func (c *OutputConfig) ToolName() string        { return c.Tool }
func (c *OutputConfig) Params() map[string]any { return copyMap(c.Extra) }

// DecodeConfig decodes a step's settings into the variant for its type:
// defaults first, then the raw settings, then validation.
func DecodeConfig(s Step) (Config, error) {
	var cfg Config
	switch s.Type {
	case handler.TypeInput:
		cfg = &InputConfig{}
	case handler.TypeAI:
		cfg = &AIConfig{}
	case handler.TypeUpdate:
		cfg = &UpdateConfig{}
	case handler.TypeOutput:
		cfg = &OutputConfig{}
	default:
		return nil, fmt.Errorf("unknown step type %q", s.Type)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating settings decoder: %w", err)
	}
	if err := decoder.Decode(s.Settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	if in, ok := cfg.(*InputConfig); ok && in.Filter != "" {
		if _, err := CompileFilter(in.Filter); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// CompileFilter compiles an item filter expression. Item fields are exposed
// as variables (id, title, body, source_url, tags, plus any extra field).
func CompileFilter(src string) (*vm.Program, error) {
	program, err := expr.Compile(strings.TrimSpace(src), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", src, err)
	}
	return program, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
