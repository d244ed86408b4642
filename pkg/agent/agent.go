// Copyright 2025 Certen Protocol
//
// Device Agent (spec.md §4.11) — runs on each node that owns actuators.
// On each tick it dispatches AUTHORIZED intents, invokes the local
// executor, and records the outcome as a delta and a receipt. Executor
// calls are wrapped in a circuit breaker so a wedged driver degrades to
// fast failures instead of stalling the tick loop.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/patch"
)

// Config configures one Device Agent instance.
type Config struct {
	NodeID      string
	EntityStore entity.Store
	Intents     *actuation.Store
	Hasher      hashkit.Hasher
	Executor    Executor
	Logger      *log.Logger
	// Now supplies the current timestamp for emitted deltas; defaults to
	// a fixed zero clock if nil, which is fine for deterministic tests
	// but callers wiring a real node should supply a wall-clock source.
	Now func() entity.Timestamp

	// BreakerMaxRequests bounds how many requests the breaker allows
	// through in the half-open state (gobreaker.Settings.MaxRequests).
	BreakerMaxRequests uint32
}

// TickResult summarizes one Tick invocation's effects (used by metrics).
type TickResult struct {
	Dispatched          int
	Applied             int
	Failed              int
	DuplicatesPrevented int
}

// Agent is a single node's Device Agent. Actuators is the set this node
// owns, registered via RegisterActuator; state for unregistered actuators
// is never touched (spec.md, Ownership: "actuator writes must originate
// from owner_node_id").
type Agent struct {
	mu sync.Mutex

	nodeID   string
	store    entity.Store
	intents  *actuation.Store
	hasher   hashkit.Hasher
	executor Executor
	logger   *log.Logger
	now      func() entity.Timestamp

	breaker *gobreaker.CircuitBreaker

	actuators     map[entity.ID]actuation.Actuator
	stateEntityOf map[entity.ID]entity.ID // actuator id -> its ActuatorState entity id
}

// New creates a Device Agent bound to cfg.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[DeviceAgent] ", log.LstdFlags)
	}
	maxRequests := cfg.BreakerMaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	now := cfg.Now
	if now == nil {
		now = func() entity.Timestamp { return 0 }
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-agent-executor",
		MaxRequests: maxRequests,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Agent{
		nodeID:        cfg.NodeID,
		store:         cfg.EntityStore,
		intents:       cfg.Intents,
		hasher:        cfg.Hasher,
		executor:      cfg.Executor,
		logger:        logger,
		now:           now,
		breaker:       breaker,
		actuators:     make(map[entity.ID]actuation.Actuator),
		stateEntityOf: make(map[entity.ID]entity.ID),
	}
}

// RegisterActuator tells the agent it owns act, bound to its ActuatorState
// entity.
func (a *Agent) RegisterActuator(act actuation.Actuator, stateEntityID entity.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actuators[act.ID] = act
	a.stateEntityOf[act.ID] = stateEntityID
}

// Tick runs one pass of the device agent loop (spec.md §4.11 steps 1-7).
// It pulls both AUTHORIZED intents (fresh dispatch) and DISPATCHED intents
// (resume after a crash between dispatch and the terminal APPLIED/FAILED
// transition) so that a device agent restarted mid-dispatch can always
// make progress on a stuck intent instead of leaving it parked forever
// (spec.md §4.11 "Replay safety").
func (a *Agent) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	for _, id := range a.intents.ByStatus(actuation.IntentAuthorized) {
		intent, err := a.intents.GetIntent(id)
		if err != nil {
			continue
		}
		a.mu.Lock()
		act, owned := a.actuators[intent.ActuatorID]
		a.mu.Unlock()
		if !owned {
			continue
		}

		if a.alreadyApplied(intent) {
			result.DuplicatesPrevented++
			continue
		}

		outcome, err := a.dispatchAndApply(ctx, intent, act)
		if err != nil {
			a.logger.Printf("dispatch intent %s: %v", intent.ID, err)
			continue
		}
		result.Dispatched++
		if outcome == actuation.OutcomeApplied {
			result.Applied++
		} else {
			result.Failed++
		}
	}

	for _, id := range a.intents.ByStatus(actuation.IntentDispatched) {
		intent, err := a.intents.GetIntent(id)
		if err != nil {
			continue
		}
		a.mu.Lock()
		act, owned := a.actuators[intent.ActuatorID]
		a.mu.Unlock()
		if !owned {
			continue
		}

		if a.alreadyApplied(intent) {
			result.DuplicatesPrevented++
			continue
		}

		outcome, err := a.resumeDispatched(ctx, intent, act)
		if err != nil {
			a.logger.Printf("resume dispatched intent %s: %v", intent.ID, err)
			continue
		}
		if outcome == actuation.OutcomeApplied {
			result.Applied++
		} else {
			result.Failed++
		}
	}

	return result, nil
}

// alreadyApplied implements spec.md §4.11 step 2, the sole idempotency
// barrier: skip if the actuator state already records this intent as its
// last applied one, or if a receipt already exists.
func (a *Agent) alreadyApplied(intent actuation.ActuationIntent) bool {
	if _, ok := a.intents.ReceiptForIntent(intent.ID); ok {
		return true
	}
	a.mu.Lock()
	stateEntityID, ok := a.stateEntityOf[intent.ActuatorID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	st, err := a.loadActuatorState(stateEntityID)
	if err != nil {
		return false
	}
	return st.LastAppliedIntentID != nil && *st.LastAppliedIntentID == intent.ID
}

func (a *Agent) dispatchAndApply(ctx context.Context, intent actuation.ActuationIntent, act actuation.Actuator) (actuation.Outcome, error) {
	dispatched, err := a.transitionIntent(intent, actuation.IntentDispatched, "")
	if err != nil {
		return "", fmt.Errorf("transition to DISPATCHED: %w", err)
	}
	return a.resumeDispatched(ctx, dispatched, act)
}

// resumeDispatched invokes the executor for an intent already in DISPATCHED
// status and carries it to its terminal APPLIED/FAILED transition. It is
// the back half of dispatchAndApply, factored out so Tick can re-enter it
// directly for an intent left DISPATCHED by a crash, without re-running
// the NEW/AUTHORIZED -> DISPATCHED transition (which would be illegal the
// second time).
func (a *Agent) resumeDispatched(ctx context.Context, intent actuation.ActuationIntent, act actuation.Actuator) (actuation.Outcome, error) {
	execResult, breakerErr := a.invokeExecutor(ctx, act, intent.Request)

	var outcome actuation.Outcome
	if breakerErr != nil || !execResult.OK {
		outcome = actuation.OutcomeFailed
		reason := "executor reported failure"
		if breakerErr != nil {
			reason = breakerErr.Error()
		} else if execResult.Err != nil {
			reason = execResult.Err.Error()
		}
		if _, err := a.transitionIntent(intent, actuation.IntentFailed, reason); err != nil {
			return "", fmt.Errorf("transition to FAILED: %w", err)
		}
	} else {
		outcome = actuation.OutcomeApplied
		if _, err := a.transitionIntent(intent, actuation.IntentApplied, ""); err != nil {
			return "", fmt.Errorf("transition to APPLIED: %w", err)
		}
	}

	if err := a.updateActuatorState(intent, execResult); err != nil {
		return "", fmt.Errorf("update actuator state: %w", err)
	}
	if err := a.createReceipt(intent, act, execResult, outcome); err != nil {
		return "", fmt.Errorf("create receipt: %w", err)
	}
	return outcome, nil
}

// invokeExecutor calls the executor through the circuit breaker. When the
// breaker is open it fails fast with gobreaker.ErrOpenState instead of
// reaching the driver.
func (a *Agent) invokeExecutor(ctx context.Context, act actuation.Actuator, req actuation.Request) (ExecResult, error) {
	raw, err := a.breaker.Execute(func() (interface{}, error) {
		res, execErr := a.executor.Apply(ctx, act.Kind, req.Action, req.Value)
		if execErr != nil {
			return ExecResult{}, execErr
		}
		if !res.OK {
			return res, fmt.Errorf("executor reported failure for actuator %s", act.ID)
		}
		return res, nil
	})
	if err != nil {
		if res, ok := raw.(ExecResult); ok {
			return res, err
		}
		return ExecResult{}, err
	}
	return raw.(ExecResult), nil
}

// transitionIntent validates and applies an intent status change, then
// persists the resulting delta against the intent's backing entity.
func (a *Agent) transitionIntent(intent actuation.ActuationIntent, to actuation.IntentStatus, reason string) (actuation.ActuationIntent, error) {
	updated, ops, err := actuation.Transition(intent, to, reason)
	if err != nil {
		return actuation.ActuationIntent{}, err
	}

	e, state, err := a.loadEntityAndState(intent.ID)
	if err != nil {
		return actuation.ActuationIntent{}, err
	}
	newEntity, delta, err := entity.Extend(e, state, ops, entity.AuthorAgent, a.now(), a.hasher)
	if err != nil {
		return actuation.ActuationIntent{}, err
	}
	if err := a.store.PutEntity(newEntity); err != nil {
		return actuation.ActuationIntent{}, err
	}
	if err := a.store.AppendDelta(intent.ID, delta); err != nil {
		return actuation.ActuationIntent{}, err
	}
	a.intents.PutIntent(updated)
	return updated, nil
}

func (a *Agent) updateActuatorState(intent actuation.ActuationIntent, res ExecResult) error {
	a.mu.Lock()
	stateEntityID, ok := a.stateEntityOf[intent.ActuatorID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no actuator-state entity registered for actuator %s", intent.ActuatorID)
	}

	e, state, err := a.loadEntityAndState(stateEntityID)
	if err != nil {
		return err
	}

	m, _ := state.(map[string]interface{})
	ops := upsertOps(m, "/state", string(res.ObservedState))
	ops = append(ops, upsertOps(m, "/updated_at", int64(a.now()))...)
	ops = append(ops, upsertOps(m, "/last_applied_intent_id", intent.ID.String())...)
	if res.ObservedValue != nil {
		ops = append(ops, upsertOps(m, "/value", *res.ObservedValue)...)
	}

	newEntity, delta, err := entity.Extend(e, state, ops, entity.AuthorAgent, a.now(), a.hasher)
	if err != nil {
		return err
	}
	if err := a.store.PutEntity(newEntity); err != nil {
		return err
	}
	return a.store.AppendDelta(stateEntityID, delta)
}

func (a *Agent) createReceipt(intent actuation.ActuationIntent, act actuation.Actuator, res ExecResult, outcome actuation.Outcome) error {
	receipt := actuation.ActuationReceipt{
		ID:            entity.NewID(),
		IntentID:      intent.ID,
		ActuatorID:    intent.ActuatorID,
		OwnerNodeID:   act.OwnerNodeID,
		Outcome:       outcome,
		ObservedState: res.ObservedState,
		CreatedAt:     a.now(),
	}
	initial, err := toMap(receipt)
	if err != nil {
		return err
	}
	e, delta, err := entity.Create(entity.KindActuationReceipt, initial, entity.AuthorAgent, a.now(), a.hasher)
	if err != nil {
		return err
	}
	e.ID = receipt.ID
	delta.EntityID = receipt.ID
	if err := a.store.PutEntity(e); err != nil {
		return err
	}
	if err := a.store.AppendDelta(e.ID, delta); err != nil {
		return err
	}
	return a.intents.PutReceipt(receipt)
}

func (a *Agent) loadActuatorState(stateEntityID entity.ID) (actuation.ActuatorState, error) {
	_, state, err := a.loadEntityAndState(stateEntityID)
	if err != nil {
		return actuation.ActuatorState{}, err
	}
	var st actuation.ActuatorState
	if err := fromMap(state, &st); err != nil {
		return actuation.ActuatorState{}, err
	}
	return st, nil
}

func (a *Agent) loadEntityAndState(id entity.ID) (entity.Entity, interface{}, error) {
	e, err := a.store.GetEntity(id)
	if err != nil {
		return entity.Entity{}, nil, err
	}
	deltas, err := a.store.Deltas(id)
	if err != nil {
		return entity.Entity{}, nil, err
	}
	state, err := entity.Reconstruct(deltas)
	if err != nil {
		return entity.Entity{}, nil, err
	}
	return e, state, nil
}

// upsertOps returns a single-op patch: add if key is absent from state,
// replace if it already exists.
func upsertOps(state map[string]interface{}, path string, value interface{}) patch.Patch {
	key := path[1:]
	if _, exists := state[key]; exists {
		return patch.Patch{{Kind: patch.OpReplace, Path: path, Value: value}}
	}
	return patch.Patch{{Kind: patch.OpAdd, Path: path, Value: value}}
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(v interface{}, out interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
