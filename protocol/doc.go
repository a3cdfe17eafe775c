// Package protocol implements the HiveMesh agent protocol engine:
// canonical message construction, Ed25519 signing and verification,
// per-type structural validation, and the task dispatch path that turns
// a verified inbound envelope into a capability invocation and a signed
// response.
//
// The package performs no network I/O. Transports decode bytes into an
// Envelope, call Dispatcher.Process, and serialize the returned outcome;
// registries supply peer public keys. Both live under pkg/ and depend on
// this package, never the other way around.
package protocol
