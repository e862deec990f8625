package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
)

// Definition is the decoded shape of a workflow definition. Step bodies stay
// as loose maps: step schemas evolve faster than the engine and unknown
// fields must survive canonicalization untouched.
type Definition struct {
	Slug        string                   `json:"slug,omitempty"`
	Name        string                   `json:"name,omitempty"`
	Description string                   `json:"description,omitempty"`
	Steps       []map[string]interface{} `json:"steps"`
}

// ParseDefinition decodes and structurally validates a definition.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "definition is not valid JSON")
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition checks the structural rules every definition must meet
// before a hash is computed. Unknown step types pass: validation is about
// shape, the engine decides at runtime what it can interpret.
func ValidateDefinition(def *Definition) error {
	if len(def.Steps) == 0 {
		return apperr.New(apperr.CodeValidation, "workflow must declare at least one step")
	}
	for i, step := range def.Steps {
		if err := validateStep(step, fmt.Sprintf("steps[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step map[string]interface{}, path string) error {
	stepType, ok := step["type"].(string)
	if !ok || stepType == "" {
		return apperr.New(apperr.CodeValidation, "%s: step type must be a non-empty string", path)
	}

	for _, key := range []string{"then", "else", "steps"} {
		nested, present := step[key]
		if !present {
			continue
		}
		list, ok := nested.([]interface{})
		if !ok {
			return apperr.New(apperr.CodeValidation, "%s.%s must be an array of steps", path, key)
		}
		for i, item := range list {
			child, ok := item.(map[string]interface{})
			if !ok {
				return apperr.New(apperr.CodeValidation, "%s.%s[%d] must be a step object", path, key, i)
			}
			if err := validateStep(child, fmt.Sprintf("%s.%s[%d]", path, key, i)); err != nil {
				return err
			}
		}
	}

	if stepType == StepKindAgentMessage {
		if stepContent(step) == "" {
			return apperr.New(apperr.CodeValidation,
				"%s: agent_message requires one of content, message, goal", path)
		}
		if awaits(step) {
			timeout, ok := numberField(step, "await_timeout_ms")
			if ok && timeout < 1000 {
				return apperr.New(apperr.CodeValidation,
					"%s: await_timeout_ms must be at least 1000", path)
			}
		}
	}

	return nil
}

// stepContent returns the prompt text of an agent_message step, whichever
// field carries it.
func stepContent(step map[string]interface{}) string {
	for _, key := range []string{"content", "message", "goal"} {
		if v, ok := step[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func awaits(step map[string]interface{}) bool {
	v, ok := step["await_response"].(bool)
	return ok && v
}

// numberField reads a numeric step field, tolerating the float64 and
// json.Number forms decoding produces.
func numberField(step map[string]interface{}, key string) (float64, bool) {
	switch v := step[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// stringField reads a string step field, empty when absent.
func stringField(step map[string]interface{}, key string) string {
	v, _ := step[key].(string)
	return v
}

// stepID returns the step's declared id, falling back to its type.
func stepID(step map[string]interface{}) string {
	if id := stringField(step, "id"); id != "" {
		return id
	}
	return stringField(step, "type")
}
