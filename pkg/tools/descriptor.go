package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/safety"
)

// Handler executes a tool. Params have already been validated against the
// descriptor's parameter schema.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Descriptor declares a tool: its schemas, the capabilities a caller must
// hold, its declared risk floor, and optional rate and time bounds.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Schemas are JSON Schema documents. A nil ReturnSchema skips return
	// validation.
	ParamsSchema json.RawMessage `json:"parameters"`
	ReturnSchema json.RawMessage `json:"returns,omitempty"`

	// Capabilities the caller must hold, all of them.
	Capabilities []string `json:"capabilities,omitempty"`

	// Risk is the declared floor; the safety classifier can raise it but
	// never lower it.
	Risk safety.Risk `json:"-"`

	// Effect hints the planner: "read-only", "mutating", "destructive".
	Effect string `json:"effect,omitempty"`

	// Compensation names the tool that reverses this one's effect. Empty
	// means the effect is non-reversible.
	Compensation string `json:"compensation,omitempty"`

	RateLimit  int           `json:"-"` // invocations per principal per window, 0 = unlimited
	RateWindow time.Duration `json:"-"`
	Timeout    time.Duration `json:"-"` // per-invocation bound, 0 = caller's context only

	// Refine, when set, derives the safety gate's view of an invocation
	// from the validated parameters, so database tools are judged on the
	// actual statement rather than the declared risk floor alone.
	Refine func(params map[string]any) safety.Operation `json:"-"`
}

// Summary is the LLM-facing view of a tool, compact enough to embed in a
// planning prompt.
type Summary struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Effect      string          `json:"effect,omitempty"`
	Risk        string          `json:"risk"`
	Reversible  bool            `json:"reversible"`
}

// Summarize builds the planner view of a descriptor.
func (d Descriptor) Summarize() Summary {
	return Summary{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.ParamsSchema,
		Effect:      d.Effect,
		Risk:        d.Risk.String(),
		Reversible:  d.Compensation != "",
	}
}

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_.]{0,63}$`)

// validate checks descriptor well-formedness and compiles its schemas.
func (d Descriptor) validate() (params, ret *jsonschema.Schema, err error) {
	if !toolNamePattern.MatchString(d.Name) {
		return nil, nil, fault.New(fault.KindInvalidParams, "tools", "register",
			fmt.Sprintf("tool name %q must be lowercase dotted identifier", d.Name))
	}
	if d.Description == "" {
		return nil, nil, fault.New(fault.KindInvalidParams, "tools", "register",
			"tool description is required").WithResource(d.Name)
	}
	if len(d.ParamsSchema) == 0 {
		return nil, nil, fault.New(fault.KindInvalidParams, "tools", "register",
			"parameter schema is required").WithResource(d.Name)
	}
	params, err = compileSchema(d.Name+"/params", d.ParamsSchema)
	if err != nil {
		return nil, nil, err
	}
	if len(d.ReturnSchema) > 0 {
		ret, err = compileSchema(d.Name+"/returns", d.ReturnSchema)
		if err != nil {
			return nil, nil, err
		}
	}
	return params, ret, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.KindInvalidParams, "tools", "register", err).
			WithResource(name)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fault.Wrap(fault.KindInvalidParams, "tools", "register", err).
			WithResource(name)
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidParams, "tools", "register", err).
			WithResource(name)
	}
	return schema, nil
}
