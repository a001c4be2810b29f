package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// InputSchemaError reports a task input payload that does not satisfy the
// agent's declared schema. It is a permanent fault; the worker does not
// retry it.
type InputSchemaError struct {
	Slug    string
	Message string
}

func (e *InputSchemaError) Error() string {
	return fmt.Sprintf("input for agent %s rejected by schema: %s", e.Slug, e.Message)
}

// ValidateInput checks input against the schema an agent declares via
// SchemaProvider. Agents without a schema accept any payload.
func ValidateInput(a Agent, input map[string]any) error {
	sp, ok := a.(SchemaProvider)
	if !ok {
		return nil
	}
	raw := sp.InputSchema()
	if len(raw) == 0 {
		return nil
	}

	schema, err := compileSchema(raw)
	if err != nil {
		return fmt.Errorf("compile input schema for %s: %w", a.Slug(), err)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return &InputSchemaError{Slug: a.Slug(), Message: err.Error()}
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return &InputSchemaError{Slug: a.Slug(), Message: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &InputSchemaError{Slug: a.Slug(), Message: err.Error()}
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("input.json")
}
