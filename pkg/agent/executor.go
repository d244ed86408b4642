// Copyright 2025 Certen Protocol
//
// Executor is the capability interface the Device Agent invokes to apply
// an actuation against physical or software state (spec.md §4.11 step 4).
// Concrete drivers live outside this package; the agent only depends on
// this abstraction.

package agent

import (
	"context"

	"github.com/certen/deltafabric/pkg/actuation"
)

// ExecResult is what an executor reports back after attempting a command.
type ExecResult struct {
	ObservedState actuation.State
	ObservedValue *float64
	OK            bool
	Err           error
}

// Executor applies one actuation command and reports the observed outcome.
// Implementations are assumed single-threaded and owned by the Device
// Agent running on the node that owns the actuator (spec.md §5, "Executor
// handles").
type Executor interface {
	Apply(ctx context.Context, kind actuation.ActuatorKind, action actuation.Action, value *float64) (ExecResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, kind actuation.ActuatorKind, action actuation.Action, value *float64) (ExecResult, error)

func (f ExecutorFunc) Apply(ctx context.Context, kind actuation.ActuatorKind, action actuation.Action, value *float64) (ExecResult, error) {
	return f(ctx, kind, action, value)
}
