package registry

import (
	"encoding/json"
	"math"

	"github.com/boxadmin/privd/internal/fault"
)

// Args are bound, validated arguments. Every declared parameter is present;
// omitted optional ones hold their default.
type Args struct {
	desc   *Descriptor
	values map[string]any
}

// Value returns the raw JSON value of name.
func (a Args) Value(name string) any { return a.values[name] }

// IsNull reports whether name holds JSON null.
func (a Args) IsNull(name string) bool { return a.values[name] == nil }

// String returns a string or secret argument; null yields "".
func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

// Int returns an integer argument; null yields 0.
func (a Args) Int(name string) int64 {
	f, _ := a.values[name].(float64)
	if f != math.Trunc(f) {
		return 0
	}
	return int64(f)
}

// Number returns a numeric argument; null yields 0.
func (a Args) Number(name string) float64 {
	f, _ := a.values[name].(float64)
	return f
}

// Bool returns a boolean argument; null yields false.
func (a Args) Bool(name string) bool {
	b, _ := a.values[name].(bool)
	return b
}

// OptString returns a nullable string argument and whether it was non-null.
func (a Args) OptString(name string) (string, bool) {
	s, ok := a.values[name].(string)
	return s, ok
}

// Strings returns a list-of-strings argument; null yields nil.
func (a Args) Strings(name string) []string {
	raw, _ := a.values[name].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		out = append(out, s)
	}
	if raw == nil {
		return nil
	}
	return out
}

// Decode unmarshals an object or any argument into v.
func (a Args) Decode(name string, v any) error {
	data, err := json.Marshal(a.values[name])
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Errorf(fault.InvalidArgument, "argument %q: %v", name, err)
	}
	return nil
}

// Positional returns the values in declaration order. It is the form in
// which arguments are relayed to a run-as child.
func (a Args) Positional() []any {
	if a.desc == nil {
		return nil
	}
	out := make([]any, 0, len(a.desc.params))
	for _, p := range a.desc.params {
		out = append(out, a.values[p.Name])
	}
	return out
}

// Redacted returns the arguments with Secret parameters masked, for logs
// and the audit journal.
func (a Args) Redacted() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	if a.desc == nil {
		return out
	}
	for _, p := range a.desc.params {
		if p.Type == Secret && out[p.Name] != nil {
			out[p.Name] = Redacted
		}
	}
	return out
}
