package orchestrator

import (
	"encoding/json"
	"fmt"
)

// Result is the uniform reply to every operation. Fields carries the
// operation-specific values, which are flattened next to the fixed keys on the wire.
type Result struct {
	Success   bool
	Operation string
	Output    string
	Error     string
	ErrorKind string
	Fields    map[string]any
}

var reservedKeys = map[string]bool{
	"success":    true,
	"operation":  true,
	"output":     true,
	"error":      true,
	"error_kind": true,
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		if !reservedKeys[k] {
			out[k] = v
		}
	}
	out["success"] = r.Success
	out["operation"] = r.Operation
	out["output"] = r.Output
	if !r.Success {
		out["error"] = r.Error
		out["error_kind"] = r.ErrorKind
	}
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Fields = make(map[string]any)
	for k, v := range raw {
		var err error
		switch k {
		case "success":
			err = json.Unmarshal(v, &r.Success)
		case "operation":
			err = json.Unmarshal(v, &r.Operation)
		case "output":
			err = json.Unmarshal(v, &r.Output)
		case "error":
			err = json.Unmarshal(v, &r.Error)
		case "error_kind":
			err = json.Unmarshal(v, &r.ErrorKind)
		default:
			var value any
			err = json.Unmarshal(v, &value)
			r.Fields[k] = value
		}
		if err != nil {
			return fmt.Errorf("result field %s: %w", k, err)
		}
	}
	return nil
}

// Field returns an operation-specific value.
func (r Result) Field(key string) any {
	return r.Fields[key]
}

func (r Result) String() string {
	if r.Success {
		return r.Output
	}
	return fmt.Sprintf("%s failed (%s): %s", r.Operation, r.ErrorKind, r.Error)
}
