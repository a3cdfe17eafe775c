package protocol

import "github.com/google/uuid"

// Factory builds signed envelopes for one sending agent. It is a pure
// function of its inputs plus randomness (auto-generated task IDs): no
// hidden state, safe for concurrent use.
type Factory struct {
	from       AgentID
	privateKey string
}

// NewFactory returns a factory that signs as from with the given
// base64-encoded Ed25519 private key.
func NewFactory(from AgentID, privateKey string) *Factory {
	return &Factory{from: from, privateKey: privateKey}
}

// NewEnvelope builds and signs an envelope carrying p. The envelope is
// immutable once returned; any later field mutation invalidates the
// signature.
func (f *Factory) NewEnvelope(to AgentID, p Payload) (*Envelope, error) {
	data, err := payloadData(p)
	if err != nil {
		return nil, NewError(KindInvalidMessageFormat, "%v", err)
	}
	env := &Envelope{
		From: f.from,
		To:   to,
		Type: p.MessageType(),
		Data: data,
	}
	sig, err := Sign(env.SigningContent(), f.privateKey)
	if err != nil {
		return nil, err
	}
	env.Sig = sig
	return env, nil
}

// TaskRequest builds a signed task_request. An empty TaskID is filled
// with a random UUID.
func (f *Factory) TaskRequest(to AgentID, req TaskRequest) (*Envelope, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return f.NewEnvelope(to, req)
}

// TaskResponse builds a signed task_response.
func (f *Factory) TaskResponse(to AgentID, resp TaskResponse) (*Envelope, error) {
	return f.NewEnvelope(to, resp)
}

// TaskUpdate builds a signed task_update.
func (f *Factory) TaskUpdate(to AgentID, update TaskUpdate) (*Envelope, error) {
	if update.Status == "" {
		update.Status = TaskStatusInProgress
	}
	return f.NewEnvelope(to, update)
}

// TaskResult builds a signed task_result.
func (f *Factory) TaskResult(to AgentID, result TaskResult) (*Envelope, error) {
	if result.Status == "" {
		result.Status = TaskStatusCompleted
	}
	if result.Result == nil {
		result.Result = map[string]any{}
	}
	return f.NewEnvelope(to, result)
}

// TaskError builds a signed task_error.
func (f *Factory) TaskError(to AgentID, taskErr TaskError) (*Envelope, error) {
	return f.NewEnvelope(to, taskErr)
}

// CapabilityQuery builds a signed capability_query.
func (f *Factory) CapabilityQuery(to AgentID, query CapabilityQuery) (*Envelope, error) {
	return f.NewEnvelope(to, query)
}

// CapabilityResponse builds a signed capability_response.
func (f *Factory) CapabilityResponse(to AgentID, resp CapabilityResponse) (*Envelope, error) {
	return f.NewEnvelope(to, resp)
}

// Heartbeat builds a signed heartbeat.
func (f *Factory) Heartbeat(to AgentID, hb Heartbeat) (*Envelope, error) {
	return f.NewEnvelope(to, hb)
}

// AgentIdentity builds a signed agent_identity.
func (f *Factory) AgentIdentity(to AgentID, identity AgentIdentityPayload) (*Envelope, error) {
	return f.NewEnvelope(to, identity)
}
