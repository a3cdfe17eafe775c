package protocol

import (
	"crypto/ed25519"
	"time"
)

// IdentityConfig carries the static profile an Identity is built from.
// It comes from configuration; malformed configuration fails here,
// before any message is processed.
type IdentityConfig struct {
	ID           AgentID      `yaml:"id"`
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description,omitempty"`
	Version      string       `yaml:"version,omitempty"`
	Keys         KeyPair      `yaml:"keys"`
	Capabilities []Capability `yaml:"capabilities,omitempty"`
}

// Identity wraps one agent's static profile: identifier, metadata,
// capability descriptors, and key pair. All fields are read-only after
// construction, so an Identity is safe for arbitrary concurrent use
// without locking. It exposes typed constructors for every outbound
// message type, each signing with this identity's private key.
type Identity struct {
	id           AgentID
	name         string
	description  string
	version      string
	keys         KeyPair
	capabilities []Capability
	capabilityID map[string]Capability
	factory      *Factory
}

// NewIdentity validates cfg and constructs an Identity. The key pair is
// decoded once here so that a malformed key fails at startup rather
// than on the first signature.
func NewIdentity(cfg IdentityConfig) (*Identity, error) {
	if !cfg.ID.Valid() {
		return nil, NewError(KindConfigError, "invalid agent id %q: want %s<token>", cfg.ID, AgentIDPrefix)
	}
	if _, err := cfg.Keys.Private(); err != nil {
		return nil, NewError(KindConfigError, "agent %s: %v", cfg.ID, err)
	}
	if _, err := cfg.Keys.Public(); err != nil {
		return nil, NewError(KindConfigError, "agent %s: %v", cfg.ID, err)
	}

	byID := make(map[string]Capability, len(cfg.Capabilities))
	for _, capability := range cfg.Capabilities {
		if capability.ID == "" {
			return nil, NewError(KindConfigError, "agent %s: capability with empty id", cfg.ID)
		}
		if _, dup := byID[capability.ID]; dup {
			return nil, NewError(KindConfigError, "agent %s: duplicate capability %q", cfg.ID, capability.ID)
		}
		byID[capability.ID] = capability
	}

	return &Identity{
		id:           cfg.ID,
		name:         cfg.Name,
		description:  cfg.Description,
		version:      cfg.Version,
		keys:         cfg.Keys,
		capabilities: append([]Capability(nil), cfg.Capabilities...),
		capabilityID: byID,
		factory:      NewFactory(cfg.ID, cfg.Keys.PrivateKey),
	}, nil
}

// ID returns the agent's identifier.
func (a *Identity) ID() AgentID { return a.id }

// Name returns the agent's display name.
func (a *Identity) Name() string { return a.name }

// Description returns the agent's description.
func (a *Identity) Description() string { return a.description }

// Version returns the agent's version string.
func (a *Identity) Version() string { return a.version }

// PublicKey returns the base64-encoded public key.
func (a *Identity) PublicKey() string { return a.keys.PublicKey }

// Capabilities returns a copy of the configured capability descriptors.
func (a *Identity) Capabilities() []Capability {
	return append([]Capability(nil), a.capabilities...)
}

// HasCapability reports whether the identity declares a capability with
// the given id.
func (a *Identity) HasCapability(id string) bool {
	_, ok := a.capabilityID[id]
	return ok
}

// Factory returns the message factory signing as this identity.
func (a *Identity) Factory() *Factory { return a.factory }

// NewTaskRequest builds a signed task_request addressed to to,
// generating a task id when none is supplied.
func (a *Identity) NewTaskRequest(to AgentID, capability string, params map[string]any) (*Envelope, error) {
	return a.factory.TaskRequest(to, TaskRequest{Capability: capability, Params: params})
}

// NewTaskResponse builds a signed task_response.
func (a *Identity) NewTaskResponse(to AgentID, resp TaskResponse) (*Envelope, error) {
	return a.factory.TaskResponse(to, resp)
}

// NewTaskUpdate builds a signed task_update.
func (a *Identity) NewTaskUpdate(to AgentID, update TaskUpdate) (*Envelope, error) {
	return a.factory.TaskUpdate(to, update)
}

// NewTaskResult builds a signed task_result.
func (a *Identity) NewTaskResult(to AgentID, result TaskResult) (*Envelope, error) {
	return a.factory.TaskResult(to, result)
}

// NewTaskError builds a signed task_error.
func (a *Identity) NewTaskError(to AgentID, taskErr TaskError) (*Envelope, error) {
	return a.factory.TaskError(to, taskErr)
}

// NewCapabilityQuery builds a signed capability_query.
func (a *Identity) NewCapabilityQuery(to AgentID, filter ...string) (*Envelope, error) {
	return a.factory.CapabilityQuery(to, CapabilityQuery{Capabilities: filter})
}

// NewCapabilityResponse builds a signed capability_response advertising
// this identity's capability descriptors, optionally filtered to the
// requested ids.
func (a *Identity) NewCapabilityResponse(to AgentID, filter ...string) (*Envelope, error) {
	capabilities := a.capabilities
	if len(filter) > 0 {
		capabilities = nil
		for _, id := range filter {
			if capability, ok := a.capabilityID[id]; ok {
				capabilities = append(capabilities, capability)
			}
		}
	}
	return a.factory.CapabilityResponse(to, CapabilityResponse{Capabilities: capabilities})
}

// NewHeartbeat builds a signed heartbeat stamped with the current time.
func (a *Identity) NewHeartbeat(to AgentID) (*Envelope, error) {
	return a.factory.Heartbeat(to, Heartbeat{Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// NewAgentIdentity builds a signed agent_identity advertising this
// agent's public profile.
func (a *Identity) NewAgentIdentity(to AgentID) (*Envelope, error) {
	return a.factory.AgentIdentity(to, AgentIdentityPayload{
		ID:           a.id,
		Name:         a.name,
		Description:  a.description,
		Version:      a.version,
		PublicKey:    a.keys.PublicKey,
		Capabilities: a.capabilities,
	})
}

// VerifyMessage checks the envelope's signature over its logical
// content (the envelope minus sig) against the peer's public key.
func (a *Identity) VerifyMessage(e *Envelope, peerKey ed25519.PublicKey) bool {
	if e == nil {
		return false
	}
	return VerifyKey(e.SigningContent(), e.Sig, peerKey)
}

// ProcessMessage validates an inbound envelope's structure, checks that
// it is addressed to this identity, verifies its signature, and decodes
// its typed payload. Any of those failing raises a typed error
// (InvalidMessageFormat or InvalidSignature) and the caller must not
// proceed. An inbound task_request additionally checks that
// the requested capability is declared. Other message types are
// returned decoded for collaborators to act on.
func (a *Identity) ProcessMessage(e *Envelope, peerKey ed25519.PublicKey) (Payload, error) {
	if err := ValidateEnvelope(e); err != nil {
		return nil, err
	}
	if e.To != a.id {
		return nil, NewError(KindInvalidMessageFormat, "message addressed to %s, not %s", e.To, a.id)
	}
	if !a.VerifyMessage(e, peerKey) {
		return nil, NewError(KindInvalidSignature, "signature verification failed for message from %s", e.From)
	}

	payload, err := DecodePayload(e)
	if err != nil {
		return nil, err
	}
	if req, ok := payload.(*TaskRequest); ok {
		if !a.HasCapability(req.Capability) {
			return nil, NewError(KindCapabilityNotFound, "capability %q not found on agent %s", req.Capability, a.id)
		}
	}
	return payload, nil
}
