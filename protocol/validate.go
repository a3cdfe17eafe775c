package protocol

import "encoding/json"

// ValidateEnvelope checks an envelope's structure: presence of the five
// envelope fields, well-formed agent identifiers, a known message type,
// and the per-type payload shape. Validation short-circuits on the
// first violated rule and returns an InvalidMessageFormat error with a
// human-readable reason. It does not verify the signature.
func ValidateEnvelope(e *Envelope) error {
	if e == nil {
		return NewError(KindInvalidMessageFormat, "missing envelope")
	}
	if e.From == "" {
		return NewError(KindInvalidMessageFormat, "missing from field")
	}
	if e.To == "" {
		return NewError(KindInvalidMessageFormat, "missing to field")
	}
	if !e.From.Valid() {
		return NewError(KindInvalidMessageFormat, "invalid from identifier %q", e.From)
	}
	if !e.To.Valid() {
		return NewError(KindInvalidMessageFormat, "invalid to identifier %q", e.To)
	}
	if e.Type == "" {
		return NewError(KindInvalidMessageFormat, "missing type field")
	}
	if !e.Type.Valid() {
		return NewError(KindInvalidMessageFormat, "unknown message type %q", e.Type)
	}
	if e.Data == nil {
		return NewError(KindInvalidMessageFormat, "missing data field")
	}
	return validatePayload(e.Type, e.Data)
}

func validatePayload(t MessageType, data map[string]any) error {
	switch t {
	case MessageTaskRequest:
		return validateTaskRequest(data)
	case MessageTaskResponse:
		return validateTaskResponse(data)
	case MessageTaskUpdate:
		return validateTaskUpdate(data)
	case MessageTaskResult:
		return validateTaskResult(data)
	case MessageTaskError:
		return validateTaskError(data)
	case MessageCapabilityQuery:
		return validateCapabilityQuery(data)
	case MessageCapabilityResponse:
		return validateCapabilityResponse(data)
	case MessageHeartbeat, MessageAgentIdentity:
		// No payload constraints; reserved for collaborator use.
		return nil
	}
	return NewError(KindInvalidMessageFormat, "unknown message type %q", t)
}

func validateTaskRequest(data map[string]any) error {
	if err := requireString(data, "task_id"); err != nil {
		return err
	}
	if err := requireString(data, "capability"); err != nil {
		return err
	}
	if err := requireObject(data, "params"); err != nil {
		return err
	}
	return nil
}

func validateTaskResponse(data map[string]any) error {
	if err := requireString(data, "task_id"); err != nil {
		return err
	}
	status, _ := data["status"].(string)
	if status != TaskStatusAccepted && status != TaskStatusRejected {
		return NewError(KindInvalidMessageFormat, "task_response status must be %q or %q, got %q",
			TaskStatusAccepted, TaskStatusRejected, status)
	}
	return nil
}

func validateTaskUpdate(data map[string]any) error {
	if err := requireString(data, "task_id"); err != nil {
		return err
	}
	status, _ := data["status"].(string)
	if status != TaskStatusInProgress {
		return NewError(KindInvalidMessageFormat, "task_update status must be %q, got %q", TaskStatusInProgress, status)
	}
	if raw, ok := data["progress"]; ok {
		progress, ok := asNumber(raw)
		if !ok {
			return NewError(KindInvalidMessageFormat, "progress must be a number, got %T", raw)
		}
		if progress < 0 || progress > 100 {
			return NewError(KindInvalidMessageFormat, "progress must be between 0 and 100, got %v", progress)
		}
	}
	return nil
}

func validateTaskResult(data map[string]any) error {
	if err := requireString(data, "task_id"); err != nil {
		return err
	}
	status, _ := data["status"].(string)
	if status != TaskStatusCompleted {
		return NewError(KindInvalidMessageFormat, "task_result status must be %q, got %q", TaskStatusCompleted, status)
	}
	if err := requireObject(data, "result"); err != nil {
		return err
	}
	return nil
}

func validateTaskError(data map[string]any) error {
	if err := requireString(data, "task_id"); err != nil {
		return err
	}
	if err := requireString(data, "error"); err != nil {
		return err
	}
	if err := requireString(data, "message"); err != nil {
		return err
	}
	// retry must be present and boolean; its value is unconstrained.
	raw, ok := data["retry"]
	if !ok {
		return NewError(KindInvalidMessageFormat, "missing required field retry")
	}
	if _, ok := raw.(bool); !ok {
		return NewError(KindInvalidMessageFormat, "retry must be a boolean, got %T", raw)
	}
	return nil
}

func validateCapabilityQuery(data map[string]any) error {
	raw, ok := data["capabilities"]
	if !ok {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return NewError(KindInvalidMessageFormat, "capabilities must be an array, got %T", raw)
	}
	for i, entry := range entries {
		if _, ok := entry.(string); !ok {
			return NewError(KindInvalidMessageFormat, "capabilities[%d] must be a string, got %T", i, entry)
		}
	}
	return nil
}

func validateCapabilityResponse(data map[string]any) error {
	raw, ok := data["capabilities"]
	if !ok {
		return NewError(KindInvalidMessageFormat, "missing required field capabilities")
	}
	entries, ok := raw.([]any)
	if !ok {
		return NewError(KindInvalidMessageFormat, "capabilities must be an array, got %T", raw)
	}
	if len(entries) == 0 {
		return NewError(KindInvalidMessageFormat, "capabilities must not be empty")
	}
	for i, entry := range entries {
		capability, ok := entry.(map[string]any)
		if !ok {
			return NewError(KindInvalidMessageFormat, "capabilities[%d] must be an object, got %T", i, entry)
		}
		if id, ok := capability["id"].(string); !ok || id == "" {
			return NewError(KindInvalidMessageFormat, "capabilities[%d] missing id", i)
		}
		if _, ok := capability["input"].(map[string]any); !ok {
			return NewError(KindInvalidMessageFormat, "capabilities[%d] missing input schema", i)
		}
		if _, ok := capability["output"].(map[string]any); !ok {
			return NewError(KindInvalidMessageFormat, "capabilities[%d] missing output schema", i)
		}
	}
	return nil
}

func requireString(data map[string]any, field string) error {
	raw, ok := data[field]
	if !ok {
		return NewError(KindInvalidMessageFormat, "missing required field %s", field)
	}
	s, ok := raw.(string)
	if !ok {
		return NewError(KindInvalidMessageFormat, "%s must be a string, got %T", field, raw)
	}
	if s == "" {
		return NewError(KindInvalidMessageFormat, "%s must not be empty", field)
	}
	return nil
}

func requireObject(data map[string]any, field string) error {
	raw, ok := data[field]
	if !ok {
		return NewError(KindInvalidMessageFormat, "missing required field %s", field)
	}
	if _, ok := raw.(map[string]any); !ok {
		return NewError(KindInvalidMessageFormat, "%s must be an object, got %T", field, raw)
	}
	return nil
}

// asNumber accepts the numeric representations a payload can carry
// depending on how it was produced: float64 from encoding/json,
// json.Number from a UseNumber decoder, or int from in-process
// construction.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	}
	return 0, false
}
