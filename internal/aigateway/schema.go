package aigateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidOutput is returned when model output fails schema validation.
var ErrInvalidOutput = errors.New("aigateway: invalid model output")

// ExtractJSON returns the span from the first '{' to the last '}' of text.
// Models often wrap JSON in prose or code fences.
func ExtractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// Schema is a compiled JSON schema for one kind of model output.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// MustCompileSchema compiles src and panics on error. Schemas are package
// constants, so a failure is a programming error.
func MustCompileSchema(name, src string) *Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("aigateway: compile %s schema: %v", name, err))
	}
	return &Schema{name: name, schema: s}
}

// Decode validates raw against the schema and unmarshals it into v.
func (s *Schema) Decode(raw []byte, v any) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOutput, s.name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalidOutput, s.name, strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOutput, s.name, err)
	}
	return nil
}

// DecodeText extracts the JSON object embedded in text and decodes it.
func (s *Schema) DecodeText(text string, v any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return fmt.Errorf("%w: %s: no JSON object in output", ErrInvalidOutput, s.name)
	}
	return s.Decode([]byte(raw), v)
}
