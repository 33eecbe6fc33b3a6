package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ashita-ai/toolgate/internal/registry"
	"github.com/ashita-ai/toolgate/internal/schema"
)

type jsonValidateArgs struct {
	Instance json.RawMessage `json:"instance"`
	Schema   json.RawMessage `json:"schema"`
	Draft    string          `json:"draft"`
}

func (a *jsonValidateArgs) Defaults() { a.Draft = string(schema.Draft2020) }

type validateResult struct {
	Valid  bool               `json:"valid"`
	Errors []schema.Violation `json:"errors"`
}

func jsonValidate(_ context.Context, in jsonValidateArgs) (any, error) {
	inst, err := decodeEmbedded(in.Instance)
	if err != nil {
		return nil, argError("/instance", "json", "instance is not valid JSON")
	}
	doc, err := decodeEmbedded(in.Schema)
	if err != nil {
		return nil, argError("/schema", "json", "schema is not valid JSON")
	}
	s, err := schema.Compile(doc, schema.Draft(in.Draft))
	if err != nil {
		return nil, argError("/schema", "schema", err.Error())
	}

	vs := s.Validate(inst)
	if vs == nil {
		vs = []schema.Violation{}
	}
	return validateResult{Valid: len(vs) == 0, Errors: vs}, nil
}

// decodeEmbedded decodes raw, and when it is a JSON string, decodes the
// string's contents as the document.
func decodeEmbedded(raw json.RawMessage) (any, error) {
	if t := strings.TrimSpace(string(raw)); strings.HasPrefix(t, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		raw = json.RawMessage(text)
	}
	return schema.Decode(raw)
}

func argError(path, keyword, msg string) error {
	return &registry.ValidationError{
		Tool:       "json_validate",
		Violations: []schema.Violation{{Path: path, Keyword: keyword, Message: msg}},
	}
}
