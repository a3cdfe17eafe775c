package protocol

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// Handler executes one capability invocation. Params is the task
// request's params object; the returned map becomes the task_result's
// result object. A handler that wants its failure surfaced with a retry
// hint returns a *HandlerError; any other error is reported as
// ProcessingFailed with retry=false.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// HandlerError lets a capability handler control the wire form of its
// failure. Retry is surfaced verbatim in the task_error payload; the
// engine never second-guesses whether a handler failure is retryable.
type HandlerError struct {
	Message string
	Retry   bool
}

func (e *HandlerError) Error() string { return e.Message }

// Outcome is the value returned by Dispatcher.Process. Exactly one of
// Result and Error is set. Process never returns a Go error: the
// protocol requires every inbound call to receive some signed response,
// so failures discovered during dispatch are ordinary outcomes, not
// exceptions.
type Outcome struct {
	TaskID string
	Result *TaskResult
	Error  *TaskError
}

// Failed reports whether the outcome is a task_error.
func (o Outcome) Failed() bool { return o.Error != nil }

// Payload returns the outcome as the payload to sign and send back.
func (o Outcome) Payload() Payload {
	if o.Error != nil {
		return *o.Error
	}
	return *o.Result
}

// Dispatcher owns the mutable capability-handler map for one agent and
// executes verified inbound task requests. Handlers are normally all
// registered before serving traffic; late registration is supported and
// guarded by a read-write lock, so lookups during serving stay cheap.
type Dispatcher struct {
	identity *Identity

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher for the given identity.
func NewDispatcher(identity *Identity) *Dispatcher {
	return &Dispatcher{
		identity: identity,
		handlers: make(map[string]Handler),
	}
}

// Identity returns the identity this dispatcher executes for.
func (d *Dispatcher) Identity() *Identity { return d.identity }

// RegisterHandler binds a handler to a capability id. Registering a
// handler for an id not present in the identity's configured capability
// descriptors is a configuration error, raised here at startup rather
// than on the first inbound call.
func (d *Dispatcher) RegisterHandler(capabilityID string, h Handler) error {
	if h == nil {
		return NewError(KindConfigError, "nil handler for capability %q", capabilityID)
	}
	if !d.identity.HasCapability(capabilityID) {
		return NewError(KindConfigError, "capability %q is not declared by agent %s", capabilityID, d.identity.ID())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[capabilityID] = h
	return nil
}

// HasHandler reports whether a handler is registered for the
// capability id.
func (d *Dispatcher) HasHandler(capabilityID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[capabilityID]
	return ok
}

// Handlers returns the registered capability ids.
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Process executes an inbound envelope against the purported sender's
// public key (looked up by the caller from a registry; nil means the
// sender is unknown and verification fails). The check order is
// load-bearing: signature, then type, then capability lookup, then
// execution. No capability code runs on an unauthenticated or malformed
// request, and a caller can distinguish "rejected before running" from
// "ran and failed" by the error code.
func (d *Dispatcher) Process(ctx context.Context, e *Envelope, senderKey ed25519.PublicKey) Outcome {
	taskID := "unknown"
	if e != nil {
		taskID = e.TaskID()
	}

	if e == nil || !d.identity.VerifyMessage(e, senderKey) {
		return failure(taskID, KindInvalidSignature, "signature verification failed", false)
	}
	if e.Type != MessageTaskRequest {
		return failure(taskID, KindInvalidMessageFormat,
			fmt.Sprintf("expected %s, got %s", MessageTaskRequest, e.Type), false)
	}
	if err := ValidateEnvelope(e); err != nil {
		return failure(taskID, KindInvalidMessageFormat, err.Error(), false)
	}

	payload, err := DecodePayload(e)
	if err != nil {
		return failure(taskID, KindInvalidMessageFormat, err.Error(), false)
	}
	req := payload.(*TaskRequest)

	d.mu.RLock()
	handler, ok := d.handlers[req.Capability]
	d.mu.RUnlock()
	if !ok {
		return failure(req.TaskID, KindCapabilityNotFound,
			fmt.Sprintf("no handler registered for capability %q", req.Capability), false)
	}

	result, err := d.invoke(ctx, handler, req.Params)
	if err != nil {
		var handlerErr *HandlerError
		if errors.As(err, &handlerErr) {
			return failure(req.TaskID, KindProcessingFailed, handlerErr.Message, handlerErr.Retry)
		}
		var protoErr *Error
		if errors.As(err, &protoErr) {
			return failure(req.TaskID, protoErr.Kind, protoErr.Message, false)
		}
		return failure(req.TaskID, KindProcessingFailed, err.Error(), false)
	}
	if result == nil {
		result = map[string]any{}
	}

	return Outcome{
		TaskID: req.TaskID,
		Result: &TaskResult{
			TaskID: req.TaskID,
			Status: TaskStatusCompleted,
			Result: result,
		},
	}
}

// invoke runs the handler, converting a panic into an error so that a
// misbehaving capability cannot take down the dispatch loop.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

func failure(taskID string, kind ErrorKind, message string, retry bool) Outcome {
	return Outcome{
		TaskID: taskID,
		Error: &TaskError{
			TaskID:  taskID,
			Error:   string(kind),
			Message: message,
			Retry:   retry,
		},
	}
}
