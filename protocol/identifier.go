package protocol

import "strings"

// AgentIDPrefix is the required prefix of every agent identifier.
const AgentIDPrefix = "hive:agentid:"

// AgentID identifies an agent on the mesh. Identifiers have the form
// "hive:agentid:<token>" and name both the signer of a message and its
// routing target.
type AgentID string

// ParseAgentID validates s and returns it as an AgentID.
func ParseAgentID(s string) (AgentID, error) {
	id := AgentID(s)
	if !id.Valid() {
		return "", NewError(KindInvalidMessageFormat, "invalid agent identifier %q: want %s<token>", s, AgentIDPrefix)
	}
	return id, nil
}

// Valid reports whether the identifier matches hive:agentid:<token>
// with a non-empty token.
func (id AgentID) Valid() bool {
	token, ok := strings.CutPrefix(string(id), AgentIDPrefix)
	return ok && token != ""
}

// Token returns the portion of the identifier after the prefix, or ""
// if the identifier is malformed.
func (id AgentID) Token() string {
	token, ok := strings.CutPrefix(string(id), AgentIDPrefix)
	if !ok {
		return ""
	}
	return token
}

func (id AgentID) String() string {
	return string(id)
}
