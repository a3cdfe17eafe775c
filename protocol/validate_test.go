package protocol

import (
	"strings"
	"testing"
)

func validEnvelope(msgType MessageType, data map[string]any) *Envelope {
	return &Envelope{
		From: "hive:agentid:x",
		To:   "hive:agentid:y",
		Type: msgType,
		Data: data,
		Sig:  "sig",
	}
}

func TestValidateEnvelopeFields(t *testing.T) {
	tests := []struct {
		name   string
		env    *Envelope
		reason string
	}{
		{"nil envelope", nil, "missing envelope"},
		{"missing from", &Envelope{To: "hive:agentid:y", Type: MessageHeartbeat, Data: map[string]any{}}, "missing from"},
		{"missing to", &Envelope{From: "hive:agentid:x", Type: MessageHeartbeat, Data: map[string]any{}}, "missing to"},
		{"bad from", &Envelope{From: "x", To: "hive:agentid:y", Type: MessageHeartbeat, Data: map[string]any{}}, "invalid from"},
		{"bad to", &Envelope{From: "hive:agentid:x", To: "nope", Type: MessageHeartbeat, Data: map[string]any{}}, "invalid to"},
		{"missing type", &Envelope{From: "hive:agentid:x", To: "hive:agentid:y", Data: map[string]any{}}, "missing type"},
		{"unknown type", validEnvelope("task_ping", map[string]any{}), "unknown message type"},
		{"missing data", &Envelope{From: "hive:agentid:x", To: "hive:agentid:y", Type: MessageHeartbeat}, "missing data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelope(tt.env)
			if !IsKind(err, KindInvalidMessageFormat) {
				t.Fatalf("ValidateEnvelope() error = %v, want InvalidMessageFormat", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("reason %q does not mention %q", err.Error(), tt.reason)
			}
		})
	}
}

func TestValidateTaskRequest(t *testing.T) {
	valid := map[string]any{
		"task_id":    "t-1",
		"capability": "echo",
		"params":     map[string]any{"text": "hi"},
	}
	if err := ValidateEnvelope(validEnvelope(MessageTaskRequest, valid)); err != nil {
		t.Fatalf("valid task_request rejected: %v", err)
	}

	withDeadline := map[string]any{
		"task_id": "t-1", "capability": "echo", "params": map[string]any{}, "deadline": "2026-09-01T00:00:00Z",
	}
	if err := ValidateEnvelope(validEnvelope(MessageTaskRequest, withDeadline)); err != nil {
		t.Fatalf("task_request with deadline rejected: %v", err)
	}

	invalid := []map[string]any{
		{"capability": "echo", "params": map[string]any{}},
		{"task_id": "", "capability": "echo", "params": map[string]any{}},
		{"task_id": "t-1", "params": map[string]any{}},
		{"task_id": "t-1", "capability": "", "params": map[string]any{}},
		{"task_id": "t-1", "capability": "echo"},
		{"task_id": "t-1", "capability": "echo", "params": "not an object"},
	}
	for i, data := range invalid {
		if err := ValidateEnvelope(validEnvelope(MessageTaskRequest, data)); !IsKind(err, KindInvalidMessageFormat) {
			t.Errorf("case %d: error = %v, want InvalidMessageFormat", i, err)
		}
	}
}

func TestValidateTaskResponse(t *testing.T) {
	for _, status := range []string{TaskStatusAccepted, TaskStatusRejected} {
		data := map[string]any{"task_id": "t-1", "status": status}
		if err := ValidateEnvelope(validEnvelope(MessageTaskResponse, data)); err != nil {
			t.Errorf("status %q rejected: %v", status, err)
		}
	}

	invalid := []map[string]any{
		{"status": TaskStatusAccepted},
		{"task_id": "t-1"},
		{"task_id": "t-1", "status": "completed"},
		{"task_id": "t-1", "status": 42},
	}
	for i, data := range invalid {
		if err := ValidateEnvelope(validEnvelope(MessageTaskResponse, data)); !IsKind(err, KindInvalidMessageFormat) {
			t.Errorf("case %d: error = %v, want InvalidMessageFormat", i, err)
		}
	}
}

func TestValidateTaskUpdateProgress(t *testing.T) {
	tests := []struct {
		name     string
		progress any
		valid    bool
	}{
		{"fifty", 50, true},
		{"zero boundary", 0, true},
		{"hundred boundary", 100, true},
		{"float", 99.5, true},
		{"over range", 150, false},
		{"negative", -1, false},
		{"non-numeric", "half", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := map[string]any{"task_id": "t-1", "status": TaskStatusInProgress, "progress": tt.progress}
			err := ValidateEnvelope(validEnvelope(MessageTaskUpdate, data))
			if tt.valid && err != nil {
				t.Errorf("progress %v rejected: %v", tt.progress, err)
			}
			if !tt.valid && !IsKind(err, KindInvalidMessageFormat) {
				t.Errorf("progress %v: error = %v, want InvalidMessageFormat", tt.progress, err)
			}
		})
	}

	// progress is optional; message is optional.
	data := map[string]any{"task_id": "t-1", "status": TaskStatusInProgress, "message": "working"}
	if err := ValidateEnvelope(validEnvelope(MessageTaskUpdate, data)); err != nil {
		t.Errorf("update without progress rejected: %v", err)
	}

	// status must be in_progress.
	data = map[string]any{"task_id": "t-1", "status": TaskStatusCompleted}
	if err := ValidateEnvelope(validEnvelope(MessageTaskUpdate, data)); !IsKind(err, KindInvalidMessageFormat) {
		t.Errorf("wrong status: error = %v, want InvalidMessageFormat", err)
	}
}

func TestValidateTaskResult(t *testing.T) {
	valid := map[string]any{"task_id": "t-1", "status": TaskStatusCompleted, "result": map[string]any{"ok": true}}
	if err := ValidateEnvelope(validEnvelope(MessageTaskResult, valid)); err != nil {
		t.Fatalf("valid task_result rejected: %v", err)
	}

	invalid := []map[string]any{
		{"status": TaskStatusCompleted, "result": map[string]any{}},
		{"task_id": "t-1", "status": "in_progress", "result": map[string]any{}},
		{"task_id": "t-1", "status": TaskStatusCompleted},
		{"task_id": "t-1", "status": TaskStatusCompleted, "result": []any{}},
	}
	for i, data := range invalid {
		if err := ValidateEnvelope(validEnvelope(MessageTaskResult, data)); !IsKind(err, KindInvalidMessageFormat) {
			t.Errorf("case %d: error = %v, want InvalidMessageFormat", i, err)
		}
	}
}

func TestValidateTaskError(t *testing.T) {
	valid := map[string]any{"task_id": "t-1", "error": "PROCESSING_FAILED", "message": "boom", "retry": false}
	if err := ValidateEnvelope(validEnvelope(MessageTaskError, valid)); err != nil {
		t.Fatalf("valid task_error rejected: %v", err)
	}
	// retry=true is equally fine; the value is unconstrained.
	valid["retry"] = true
	if err := ValidateEnvelope(validEnvelope(MessageTaskError, valid)); err != nil {
		t.Fatalf("retry=true rejected: %v", err)
	}

	invalid := []map[string]any{
		{"error": "X", "message": "boom", "retry": false},
		{"task_id": "t-1", "message": "boom", "retry": false},
		{"task_id": "t-1", "error": "", "message": "boom", "retry": false},
		{"task_id": "t-1", "error": "X", "retry": false},
		{"task_id": "t-1", "error": "X", "message": "", "retry": false},
		{"task_id": "t-1", "error": "X", "message": "boom"},
		{"task_id": "t-1", "error": "X", "message": "boom", "retry": "no"},
	}
	for i, data := range invalid {
		if err := ValidateEnvelope(validEnvelope(MessageTaskError, data)); !IsKind(err, KindInvalidMessageFormat) {
			t.Errorf("case %d: error = %v, want InvalidMessageFormat", i, err)
		}
	}
}

func TestValidateCapabilityQuery(t *testing.T) {
	// capabilities is optional.
	if err := ValidateEnvelope(validEnvelope(MessageCapabilityQuery, map[string]any{})); err != nil {
		t.Errorf("empty query rejected: %v", err)
	}
	data := map[string]any{"capabilities": []any{"echo", "sum"}}
	if err := ValidateEnvelope(validEnvelope(MessageCapabilityQuery, data)); err != nil {
		t.Errorf("string-array query rejected: %v", err)
	}

	invalid := []map[string]any{
		{"capabilities": "echo"},
		{"capabilities": []any{"echo", 7}},
	}
	for i, data := range invalid {
		if err := ValidateEnvelope(validEnvelope(MessageCapabilityQuery, data)); !IsKind(err, KindInvalidMessageFormat) {
			t.Errorf("case %d: error = %v, want InvalidMessageFormat", i, err)
		}
	}
}

func TestValidateCapabilityResponse(t *testing.T) {
	entry := map[string]any{
		"id":     "echo",
		"input":  map[string]any{"text": "string"},
		"output": map[string]any{"text": "string"},
	}
	valid := map[string]any{"capabilities": []any{entry}}
	if err := ValidateEnvelope(validEnvelope(MessageCapabilityResponse, valid)); err != nil {
		t.Fatalf("valid capability_response rejected: %v", err)
	}

	invalid := []map[string]any{
		{},
		{"capabilities": []any{}},
		{"capabilities": "echo"},
		{"capabilities": []any{"echo"}},
		{"capabilities": []any{map[string]any{"input": map[string]any{}, "output": map[string]any{}}}},
		{"capabilities": []any{map[string]any{"id": "echo", "output": map[string]any{}}}},
		{"capabilities": []any{map[string]any{"id": "echo", "input": map[string]any{}}}},
	}
	for i, data := range invalid {
		if err := ValidateEnvelope(validEnvelope(MessageCapabilityResponse, data)); !IsKind(err, KindInvalidMessageFormat) {
			t.Errorf("case %d: error = %v, want InvalidMessageFormat", i, err)
		}
	}
}

func TestValidateUnconstrainedTypes(t *testing.T) {
	for _, msgType := range []MessageType{MessageHeartbeat, MessageAgentIdentity} {
		if err := ValidateEnvelope(validEnvelope(msgType, map[string]any{})); err != nil {
			t.Errorf("%s with empty payload rejected: %v", msgType, err)
		}
		if err := ValidateEnvelope(validEnvelope(msgType, map[string]any{"anything": 1})); err != nil {
			t.Errorf("%s with arbitrary payload rejected: %v", msgType, err)
		}
	}
}
