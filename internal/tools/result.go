package tools

import "encoding/json"

// Result is the structured map every tool returns. It always carries
// either success=true with operation-specific fields or success=false with
// an error string plus whatever context fields the operation adds. Tools
// never return formatted prose as the primary payload; a human-readable
// "message" field is optional.
type Result map[string]any

// OK builds a success result from the given fields.
func OK(fields map[string]any) Result {
	r := Result{"success": true}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Message builds a success result whose only payload is human text.
func Message(text string) Result {
	return Result{"success": true, "message": text}
}

// Fail builds a failure result. Context fields are merged in so the model
// can see what the tool was working on when it failed.
func Fail(errText string, fields map[string]any) Result {
	r := Result{"success": false, "error": errText}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Succeeded reports whether the result carries success=true.
func (r Result) Succeeded() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Error returns the error string of a failed result, empty on success.
func (r Result) Error() string {
	s, _ := r["error"].(string)
	return s
}

// JSON encodes the result for a tool-role history message. A result that
// cannot be marshaled is replaced with a failure result that can.
func (r Result) JSON() string {
	data, err := json.Marshal(map[string]any(r))
	if err != nil {
		data, _ = json.Marshal(Fail("result not serializable: "+err.Error(), nil))
	}
	return string(data)
}
