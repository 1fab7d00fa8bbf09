// Package task maps task names to the units of work the pipeline can run.
// Tasks are registered by name at startup and invoked polymorphically
// through one capability: execute a payload, return a result or an error.
package task

import (
	"context"
	"encoding/json"

	"github.com/Yash-Kakadiya/salesops-suite/envelope"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Outcome is what a handler returns when it does not fail outright: a
// payload plus whether the result is complete or explicitly degraded.
// Artifacts lists filesystem locations the task produced, for the run
// manifest.
type Outcome struct {
	Status    envelope.Status
	Payload   json.RawMessage
	Artifacts []string
}

// Handler is the capability every pipeline task implements. Execute must
// honor ctx cancellation and return promptly once the deadline passes.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) (*Outcome, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (*Outcome, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) (*Outcome, error) {
	return f(ctx, payload)
}

// Success marshals payload into a complete outcome.
func Success(payload any) (*Outcome, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: envelope.StatusSuccess, Payload: raw}, nil
}

// Partial marshals payload into an explicitly degraded but usable outcome.
func Partial(payload any) (*Outcome, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: envelope.StatusPartial, Payload: raw}, nil
}

func marshal(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Permanentf("marshal outcome payload: %v", err)
	}
	return raw, nil
}
