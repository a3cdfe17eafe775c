package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed enumeration of envelope types. Each type
// has a payload shape checked by ValidateEnvelope.
type MessageType string

const (
	MessageTaskRequest        MessageType = "task_request"
	MessageTaskResponse       MessageType = "task_response"
	MessageTaskUpdate         MessageType = "task_update"
	MessageTaskResult         MessageType = "task_result"
	MessageTaskError          MessageType = "task_error"
	MessageCapabilityQuery    MessageType = "capability_query"
	MessageCapabilityResponse MessageType = "capability_response"
	MessageHeartbeat          MessageType = "heartbeat"
	MessageAgentIdentity      MessageType = "agent_identity"
)

// Valid reports whether t is one of the closed MessageType values.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTaskRequest, MessageTaskResponse, MessageTaskUpdate,
		MessageTaskResult, MessageTaskError, MessageCapabilityQuery,
		MessageCapabilityResponse, MessageHeartbeat, MessageAgentIdentity:
		return true
	}
	return false
}

// Task status values carried in task lifecycle payloads.
const (
	TaskStatusAccepted   = "accepted"
	TaskStatusRejected   = "rejected"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
)

// Envelope is the signed message structure exchanged between agents.
// Sig covers the canonical serialization of {from, to, type, data}
// using the private key of From; mutating any field after signing
// invalidates the signature by construction, since verification
// recomputes over the current fields. Envelopes are signed once and
// read-only thereafter; a response is always a new envelope.
type Envelope struct {
	From AgentID        `json:"from"`
	To   AgentID        `json:"to"`
	Type MessageType    `json:"type"`
	Data map[string]any `json:"data"`
	Sig  string         `json:"sig"`
}

// SigningContent returns the logical content covered by the signature:
// the envelope minus its sig field.
func (e *Envelope) SigningContent() map[string]any {
	return map[string]any{
		"from": string(e.From),
		"to":   string(e.To),
		"type": string(e.Type),
		"data": e.Data,
	}
}

// TaskID returns the task_id correlation value from the payload, or
// "unknown" when the payload carries none. Task correlation across
// messages is the caller's responsibility; the engine validates each
// message independently.
func (e *Envelope) TaskID() string {
	if id, ok := e.Data["task_id"].(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// Capability describes a named, schema-typed operation an agent can
// perform. Input and Output are flat field-name → type-tag maps; the
// engine treats them as advisory metadata and does not enforce nested
// validation. The descriptor list comes from configuration and is
// immutable for the process lifetime.
type Capability struct {
	ID          string            `json:"id" yaml:"id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Input       map[string]string `json:"input" yaml:"input"`
	Output      map[string]string `json:"output" yaml:"output"`
}

// Payload is the tagged union of message payload shapes, keyed by
// MessageType. Each variant corresponds to one envelope type.
type Payload interface {
	MessageType() MessageType
}

// TaskRequest asks the target agent to run a capability.
type TaskRequest struct {
	TaskID     string         `json:"task_id"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params"`
	Deadline   string         `json:"deadline,omitempty"`
}

func (TaskRequest) MessageType() MessageType { return MessageTaskRequest }

// TaskResponse acknowledges or rejects a task before execution.
type TaskResponse struct {
	TaskID              string `json:"task_id"`
	Status              string `json:"status"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

func (TaskResponse) MessageType() MessageType { return MessageTaskResponse }

// TaskUpdate reports progress on an in-flight task. Progress, when
// present, is a percentage in [0, 100].
type TaskUpdate struct {
	TaskID   string   `json:"task_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (TaskUpdate) MessageType() MessageType { return MessageTaskUpdate }

// TaskResult carries the output of a completed task.
type TaskResult struct {
	TaskID string         `json:"task_id"`
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
}

func (TaskResult) MessageType() MessageType { return MessageTaskResult }

// TaskError reports a task failure. Error is a wire code from the
// ErrorKind taxonomy; Retry is an opaque hint surfaced verbatim from
// the handler or caller, not a contract the engine enforces.
type TaskError struct {
	TaskID  string `json:"task_id"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

func (TaskError) MessageType() MessageType { return MessageTaskError }

// CapabilityQuery asks a peer which capabilities it exposes. An empty
// Capabilities filter requests the full list.
type CapabilityQuery struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

func (CapabilityQuery) MessageType() MessageType { return MessageCapabilityQuery }

// CapabilityResponse lists a peer's capability descriptors.
type CapabilityResponse struct {
	Capabilities []Capability `json:"capabilities"`
}

func (CapabilityResponse) MessageType() MessageType { return MessageCapabilityResponse }

// Heartbeat signals liveness. The engine places no constraints on its
// payload.
type Heartbeat struct {
	Timestamp string `json:"timestamp,omitempty"`
}

func (Heartbeat) MessageType() MessageType { return MessageHeartbeat }

// AgentIdentityPayload advertises an agent's public profile.
type AgentIdentityPayload struct {
	ID           AgentID      `json:"id,omitempty"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	PublicKey    string       `json:"public_key,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

func (AgentIdentityPayload) MessageType() MessageType { return MessageAgentIdentity }

// DecodePayload decodes the envelope's data into the typed payload
// variant for its message type. The envelope should already have passed
// ValidateEnvelope; decode failures on unvalidated input come back as
// InvalidMessageFormat errors.
func DecodePayload(e *Envelope) (Payload, error) {
	var p Payload
	switch e.Type {
	case MessageTaskRequest:
		p = &TaskRequest{}
	case MessageTaskResponse:
		p = &TaskResponse{}
	case MessageTaskUpdate:
		p = &TaskUpdate{}
	case MessageTaskResult:
		p = &TaskResult{}
	case MessageTaskError:
		p = &TaskError{}
	case MessageCapabilityQuery:
		p = &CapabilityQuery{}
	case MessageCapabilityResponse:
		p = &CapabilityResponse{}
	case MessageHeartbeat:
		p = &Heartbeat{}
	case MessageAgentIdentity:
		p = &AgentIdentityPayload{}
	default:
		return nil, NewError(KindInvalidMessageFormat, "unknown message type %q", e.Type)
	}

	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, NewError(KindInvalidMessageFormat, "encoding payload: %v", err)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, NewError(KindInvalidMessageFormat, "decoding %s payload: %v", e.Type, err)
	}
	return p, nil
}

// payloadData converts a typed payload into the generic map form
// carried in Envelope.Data.
func payloadData(p Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.MessageType(), err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", p.MessageType(), err)
	}
	return data, nil
}
