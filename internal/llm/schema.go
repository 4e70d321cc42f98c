package llm

import "encoding/json"

// Schema describes the structured output a worker expects. Raw is the JSON
// Schema document sent to the provider in response_format; Check runs the
// semantic validation the provider's strict mode cannot express (ranges,
// list lengths, finiteness). Check errors are fed back into the re-prompt.
type Schema struct {
	Name  string
	Raw   json.RawMessage
	Check func(raw json.RawMessage) error
}

// validate runs the schema's semantic check, if any.
func (s *Schema) validate(raw json.RawMessage) error {
	if s == nil || s.Check == nil {
		return nil
	}
	return s.Check(raw)
}
