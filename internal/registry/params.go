package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/boxadmin/privd/internal/fault"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Type is the declared type of a parameter. Values are never coerced: a
// value must already have the JSON shape of its type.
type Type string

const (
	String     Type = "string"
	Secret     Type = "secret"
	Int        Type = "int"
	Number     Type = "number"
	Bool       Type = "bool"
	StringList Type = "string_list"
	Object     Type = "object"
	Any        Type = "any"
)

func (t Type) valid() bool {
	switch t {
	case String, Secret, Int, Number, Bool, StringList, Object, Any:
		return true
	}
	return false
}

// Redacted replaces Secret values in logs and the audit journal.
const Redacted = "[redacted]"

var paramNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Param is one declared parameter.
type Param struct {
	Name string
	Type Type

	// Nullable admits JSON null in addition to Type.
	Nullable bool

	// Optional parameters may be omitted; they take Default (or null).
	Optional bool
	Default  any
}

func (p Param) String() string {
	s := p.Name + ": " + string(p.Type)
	if p.Nullable {
		s += "?"
	}
	if p.Optional {
		def, err := json.Marshal(p.Default)
		if err != nil {
			def = []byte("?")
		}
		s += " = " + string(def)
	}
	return s
}

func (p Param) jsonSchema() map[string]any {
	var base map[string]any
	switch p.Type {
	case String, Secret:
		base = map[string]any{"type": "string"}
	case Int:
		base = map[string]any{"type": "integer"}
	case Number:
		base = map[string]any{"type": "number"}
	case Bool:
		base = map[string]any{"type": "boolean"}
	case StringList:
		base = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case Object:
		base = map[string]any{"type": "object"}
	default:
		return map[string]any{}
	}
	if p.Nullable || (p.Optional && p.Default == nil) {
		base["type"] = []any{base["type"], "null"}
	}
	return base
}

func compileSchema(op string, params []Param) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(params))
	required := make([]any, 0, len(params))
	for _, p := range params {
		props[p.Name] = p.jsonSchema()
		if !p.Optional {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding argument schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://privd.local/operations/%s.schema.json", op)
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("loading argument schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling argument schema: %w", err)
	}
	return compiled, nil
}

// Bind maps positional and keyword arguments onto the declared parameters,
// validates them against the declared types and fills in defaults. Every
// failure is an InvalidArgument fault.
func (d *Descriptor) Bind(args []any, kwargs map[string]any) (Args, error) {
	if len(args) > len(d.params) {
		return Args{}, fault.Errorf(fault.InvalidArgument, "%s takes %d arguments but %d were given", d.name, len(d.params), len(args))
	}

	bound := make(map[string]any, len(d.params))
	for i, v := range args {
		bound[d.params[i].Name] = v
	}
	for k, v := range kwargs {
		if !d.hasParam(k) {
			return Args{}, fault.Errorf(fault.InvalidArgument, "%s got an unexpected argument %q", d.name, k)
		}
		if _, dup := bound[k]; dup {
			return Args{}, fault.Errorf(fault.InvalidArgument, "%s got multiple values for argument %q", d.name, k)
		}
		bound[k] = v
	}

	// Compare shapes exactly as the daemon will see them after decoding.
	plain, err := jsonNormalize(bound)
	if err != nil {
		return Args{}, fault.Errorf(fault.InvalidArgument, "%s: arguments are not JSON-representable: %v", d.name, err)
	}
	if err := d.schema.Validate(plain); err != nil {
		return Args{}, fault.Errorf(fault.InvalidArgument, "%s: %s", d.name, describeValidation(err))
	}

	values := make(map[string]any, len(d.params))
	for _, p := range d.params {
		if v, ok := plain[p.Name]; ok {
			values[p.Name] = v
			continue
		}
		values[p.Name] = p.Default
	}
	return Args{desc: d, values: values}, nil
}

func (d *Descriptor) hasParam(name string) bool {
	for _, p := range d.params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func jsonNormalize(in map[string]any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func describeValidation(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return fmt.Sprintf("argument %q: %s", loc, leaf.Message)
}
