// Package builtin ships the built-in tool set: filesystem access, RFC and
// plan documents, mailbox operations, and debugging probes. Every
// path-bearing tool resolves through the workspace policy; none touch the
// filesystem directly.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// paramsFor reflects a parameter struct into the JSON Schema handed to the
// registry. Field tags drive the shape: json names the parameter,
// jsonschema:"required,description=…" the constraints.
func paramsFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("builtin: reflect parameter schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("builtin: reflect parameter schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["additionalProperties"]; !ok {
		m["additionalProperties"] = false
	}

	out, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("builtin: reflect parameter schema: %v", err))
	}
	return out
}

// decodeArgs re-marshals validated argument maps into the typed parameter
// struct. Arguments have already passed schema validation, so a decode
// failure here means the schema and the struct disagree.
func decodeArgs(args map[string]any, out any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
