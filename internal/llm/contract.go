package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoJSON is returned when text contains no JSON object.
var ErrNoJSON = errors.New("llm: no JSON object in output")

// Contract is a structured-output schema for T: the JSON Schema sent to the
// model and a compiled validator for what comes back.
type Contract[T any] struct {
	name     string
	schema   map[string]any
	compiled *validator.Schema
}

// NewContract reflects T into a strict JSON Schema (every property required,
// no additional properties) and compiles it.
func NewContract[T any](name string) (*Contract[T], error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	raw, err := json.Marshal(r.Reflect(&zero))
	if err != nil {
		return nil, fmt.Errorf("llm: marshal %s schema: %w", name, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("llm: decode %s schema: %w", name, err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	makeStrict(schema)

	doc, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal %s schema: %w", name, err)
	}
	parsed, err := validator.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("llm: parse %s schema: %w", name, err)
	}
	c := validator.NewCompiler()
	loc := name + ".schema.json"
	if err := c.AddResource(loc, parsed); err != nil {
		return nil, fmt.Errorf("llm: add %s schema: %w", name, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("llm: compile %s schema: %w", name, err)
	}
	return &Contract[T]{name: name, schema: schema, compiled: compiled}, nil
}

// MustContract is NewContract for package-level contracts over static types.
func MustContract[T any](name string) *Contract[T] {
	c, err := NewContract[T](name)
	if err != nil {
		panic(err)
	}
	return c
}

// Name is the schema name sent to the model.
func (c *Contract[T]) Name() string { return c.name }

// MarshalJSON emits the schema, so a Contract can be used directly as an
// openai response-format or tool-parameter schema.
func (c *Contract[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.schema)
}

// Parse validates text as a complete JSON document and decodes it.
func (c *Contract[T]) Parse(text string) (T, error) {
	var zero T
	inst, err := validator.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return zero, fmt.Errorf("llm: %s: invalid JSON: %w", c.name, err)
	}
	if err := c.compiled.Validate(inst); err != nil {
		return zero, fmt.Errorf("llm: %s: schema violation: %w", c.name, err)
	}
	var out T
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return zero, fmt.Errorf("llm: %s: decode: %w", c.name, err)
	}
	return out, nil
}

// ParseLenient extracts the first balanced JSON object from free text
// (markdown fences and surrounding prose are ignored) and parses it.
func (c *Contract[T]) ParseLenient(text string) (T, error) {
	obj, err := ExtractJSONObject(text)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("llm: %s: %w", c.name, err)
	}
	return c.Parse(obj)
}

// ExtractJSONObject returns the first balanced {...} span of text, honoring
// string literals and escapes.
func ExtractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
	scan:
		for i := start; i < len(text); i++ {
			ch := text[i]
			switch {
			case escaped:
				escaped = false
			case inString && ch == '\\':
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == '{':
				depth++
			case ch == '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, nil
					}
					break scan
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

// makeStrict marks every object closed with all properties required, which
// strict structured-output mode demands.
func makeStrict(node map[string]any) {
	if props, ok := node["properties"].(map[string]any); ok {
		node["additionalProperties"] = false
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		required := make([]any, len(keys))
		for i, k := range keys {
			required[i] = k
		}
		node["required"] = required
	}
	for _, v := range node {
		switch child := v.(type) {
		case map[string]any:
			makeStrict(child)
		case []any:
			for _, item := range child {
				if m, ok := item.(map[string]any); ok {
					makeStrict(m)
				}
			}
		}
	}
}
