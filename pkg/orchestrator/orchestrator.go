// Copyright 2025 Certen Protocol
//
// Orchestrator wires every component package (entity, patch, hashkit,
// chain, conflict, sync, actuation, agent, metrics) behind the external
// operations of spec.md §6 and drives the single-threaded cooperative
// event loop of §5: one goroutine selecting over an inbound packet
// channel, a device-agent ticker, and an expiry-sweep ticker. Grounded on
// the teacher's main.go top-level signal-handling/shutdown loop.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/agent"
	"github.com/certen/deltafabric/pkg/conflict"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/metrics"
	"github.com/certen/deltafabric/pkg/patch"
	syncpkg "github.com/certen/deltafabric/pkg/sync"
)

// Config wires every dependency an Orchestrator needs. Store, Conflicts,
// Intents, Hasher, PolicyEngine, Logger and Now get a default when left nil
// (an in-memory store, a SHA-256 hasher, a logger writing to the standard
// log output, ...); Executor has no default.
type Config struct {
	NodeID string

	Store     entity.Store
	Conflicts *conflict.Store
	Intents   *actuation.Store
	Hasher    hashkit.Hasher

	Caps             syncpkg.Capabilities
	PolicyEngine     *actuation.Engine
	RestrictedKinds  []actuation.ActuatorKind
	IntentTTLDefault time.Duration

	Executor           agent.Executor
	ExpirySweepInterval time.Duration
	DeviceAgentInterval time.Duration

	Logger *log.Logger
	Now    func() entity.Timestamp
}

// Orchestrator owns the single-threaded event loop and exposes the
// external operations of spec.md §6 as Go methods.
type Orchestrator struct {
	mu sync.Mutex

	nodeID string
	store  entity.Store
	confl  *conflict.Store
	intents *actuation.Store
	hasher  hashkit.Hasher

	caps         syncpkg.Capabilities
	policy       *actuation.Engine
	intentTTL    time.Duration
	systemMode   actuation.SystemMode

	sessions map[string]*syncpkg.Session

	deviceAgent *agent.Agent

	expirySweepInterval time.Duration
	deviceAgentInterval time.Duration

	logger *log.Logger
	now    func() entity.Timestamp

	actuators map[entity.ID]actuation.Actuator
}

// New constructs an Orchestrator from cfg, filling in defaults for any
// dependency left unset.
func New(cfg Config) *Orchestrator {
	store := cfg.Store
	if store == nil {
		store = entity.NewMemStore()
	}
	confl := cfg.Conflicts
	if confl == nil {
		confl = conflict.NewStore()
	}
	actuators := make(map[entity.ID]actuation.Actuator)
	intents := cfg.Intents
	if intents == nil {
		intents = actuation.NewStore(func(id entity.ID) string { return actuators[id].OwnerNodeID })
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = hashkit.SHA256Hasher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	now := cfg.Now
	if now == nil {
		now = func() entity.Timestamp { return entity.Timestamp(time.Now().UnixMilli()) }
	}
	intentTTL := cfg.IntentTTLDefault
	if intentTTL == 0 {
		intentTTL = 30 * time.Second
	}
	expirySweep := cfg.ExpirySweepInterval
	if expirySweep == 0 {
		expirySweep = 5 * time.Second
	}
	deviceAgentInterval := cfg.DeviceAgentInterval
	if deviceAgentInterval == 0 {
		deviceAgentInterval = time.Second
	}

	o := &Orchestrator{
		nodeID:              cfg.NodeID,
		store:               store,
		confl:               confl,
		intents:             intents,
		hasher:              hasher,
		caps:                cfg.Caps,
		policy:              cfg.PolicyEngine,
		intentTTL:           intentTTL,
		systemMode:          actuation.ModeNormal,
		sessions:            make(map[string]*syncpkg.Session),
		expirySweepInterval: expirySweep,
		deviceAgentInterval: deviceAgentInterval,
		logger:              logger,
		now:                 now,
		actuators:           actuators,
	}

	if o.policy == nil {
		o.policy = actuation.NewEngine(actuation.DefaultRateLimitConfig(), cfg.RestrictedKinds)
	}

	o.deviceAgent = agent.New(agent.Config{
		NodeID:      cfg.NodeID,
		EntityStore: store,
		Intents:     intents,
		Hasher:      hasher,
		Executor:    cfg.Executor,
		Logger:      log.New(log.Writer(), "[DeviceAgent] ", log.LstdFlags),
		Now:         now,
	})

	return o
}

// SetSystemMode updates the mode the policy engine evaluates intents under
// (BUILD, NORMAL, RECOVER).
func (o *Orchestrator) SetSystemMode(mode actuation.SystemMode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.systemMode = mode
}

// RegisterActuator makes an actuator known to the device agent and the
// orchestrator's own bookkeeping (policy evaluation needs Capabilities).
func (o *Orchestrator) RegisterActuator(act actuation.Actuator, stateEntityID entity.ID) {
	o.mu.Lock()
	o.actuators[act.ID] = act
	o.mu.Unlock()
	o.deviceAgent.RegisterActuator(act, stateEntityID)
}

// CreateEntity implements spec.md §6 create_entity.
func (o *Orchestrator) CreateEntity(kind entity.Kind, initial map[string]interface{}, author entity.Author) (entity.Entity, error) {
	e, d, err := entity.Create(kind, initial, author, o.now(), o.hasher)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("orchestrator: create entity: %w", err)
	}
	if err := o.store.PutEntity(e); err != nil {
		return entity.Entity{}, err
	}
	if err := o.store.AppendDelta(e.ID, d); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

// ExtendEntity implements spec.md §6 extend_entity: applies ops to id's
// current reconstructed state and appends the resulting delta.
func (o *Orchestrator) ExtendEntity(id entity.ID, ops patch.Patch, author entity.Author) (entity.Entity, error) {
	e, err := o.store.GetEntity(id)
	if err != nil {
		return entity.Entity{}, err
	}
	state, err := o.reconstructState(id)
	if err != nil {
		return entity.Entity{}, err
	}
	newEntity, delta, err := entity.Extend(e, state, ops, author, o.now(), o.hasher)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("orchestrator: extend entity: %w", err)
	}
	if err := o.store.PutEntity(newEntity); err != nil {
		return entity.Entity{}, err
	}
	if err := o.store.AppendDelta(newEntity.ID, delta); err != nil {
		return entity.Entity{}, err
	}
	return newEntity, nil
}

// GetEntity implements spec.md §6 get_entity.
func (o *Orchestrator) GetEntity(id entity.ID) (entity.Entity, error) {
	return o.store.GetEntity(id)
}

// GetDeltas implements spec.md §6 get_deltas.
func (o *Orchestrator) GetDeltas(id entity.ID) ([]entity.Delta, error) {
	return o.store.Deltas(id)
}

// OpenSession implements spec.md §6 open_session, starting a sync session
// against peerNodeID in HELLO_SENT.
func (o *Orchestrator) OpenSession(peerNodeID string) *syncpkg.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := syncpkg.NewSession(o.nodeID, peerNodeID, o.caps, o.store, o.confl, o.hasher,
		log.New(log.Writer(), fmt.Sprintf("[Sync:%s] ", peerNodeID), log.LstdFlags))
	o.sessions[peerNodeID] = s
	return s
}

// HandlePacket implements spec.md §6 handle_packet, routing p to the
// session for peerNodeID (opening one in HELLO_SENT first if unseen).
func (o *Orchestrator) HandlePacket(peerNodeID string, p syncpkg.Packet) (*syncpkg.Packet, error) {
	o.mu.Lock()
	s, ok := o.sessions[peerNodeID]
	if !ok {
		s = syncpkg.NewSession(o.nodeID, peerNodeID, o.caps, o.store, o.confl, o.hasher,
			log.New(log.Writer(), fmt.Sprintf("[Sync:%s] ", peerNodeID), log.LstdFlags))
		o.sessions[peerNodeID] = s
	}
	o.mu.Unlock()

	resp, err := s.HandlePacket(p)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Type == syncpkg.PacketDeltas {
		if body, ok := resp.Body.(syncpkg.DeltasBody); ok {
			metrics.RecordSyncDeltas("sent", len(body.Deltas))
		}
	}
	if p.Type == syncpkg.PacketDeltas {
		if body, ok := p.Body.(syncpkg.DeltasBody); ok {
			metrics.RecordSyncDeltas("received", len(body.Deltas))
		}
	}
	return resp, nil
}

// RequestIntent implements spec.md §6 request_intent: builds a NEW intent,
// evaluates policy once, and authorizes immediately unless requiresConfirm
// is set, in which case the intent stays NEW until ConfirmIntent.
func (o *Orchestrator) RequestIntent(actuatorID entity.ID, req actuation.Request, requestedByNode, requestedByActor string, requiresConfirm bool, ttl time.Duration) (entity.ID, error) {
	if ttl == 0 {
		ttl = o.intentTTL
	}
	now := o.now()
	intentID := entity.NewID()
	intent := actuation.ActuationIntent{
		ID:               intentID,
		ActuatorID:       actuatorID,
		RequestedByNode:  requestedByNode,
		RequestedByActor: requestedByActor,
		Request:          req,
		Policy:           actuation.Policy{RequiresHumanConfirm: requiresConfirm, TTLMillis: ttl.Milliseconds()},
		Status:           actuation.IntentNew,
		CreatedAt:        now,
		ExpiresAt:        now + entity.Timestamp(ttl.Milliseconds()),
	}

	if err := o.persistIntent(intent); err != nil {
		return entity.ID{}, err
	}
	o.intents.PutIntent(intent)

	if !requiresConfirm {
		if _, err := o.evaluateAndTransition(intent); err != nil {
			return intentID, err
		}
	}
	return intentID, nil
}

// ConfirmIntent implements spec.md §6 confirm_intent: re-evaluates policy
// (bounds/TTL may have changed) and authorizes or denies.
func (o *Orchestrator) ConfirmIntent(intentID entity.ID) error {
	intent, err := o.intents.GetIntent(intentID)
	if err != nil {
		return err
	}
	_, err = o.evaluateAndTransition(intent)
	return err
}

// CancelIntent implements spec.md §6 cancel_intent: denies a non-terminal
// intent with reason CANCELLED.
func (o *Orchestrator) CancelIntent(intentID entity.ID) error {
	intent, err := o.intents.GetIntent(intentID)
	if err != nil {
		return err
	}
	if intent.Status.IsTerminal() {
		return nil
	}
	return o.transitionIntent(intent, actuation.IntentDenied, "CANCELLED")
}

// evaluateAndTransition runs the policy engine and moves the intent to
// AUTHORIZED or DENIED accordingly.
func (o *Orchestrator) evaluateAndTransition(intent actuation.ActuationIntent) (actuation.Decision, error) {
	o.mu.Lock()
	act := o.actuators[intent.ActuatorID]
	mode := o.systemMode
	o.mu.Unlock()

	decision := o.policy.Evaluate(intent, actuation.Context{
		Mode:              mode,
		Actuator:          act,
		RequestedByNodeID: intent.RequestedByNode,
		CurrentTime:       o.now(),
	})

	if decision.Allowed {
		return decision, o.transitionIntent(intent, actuation.IntentAuthorized, "")
	}
	return decision, o.transitionIntent(intent, actuation.IntentDenied, string(decision.Reason))
}

func (o *Orchestrator) transitionIntent(intent actuation.ActuationIntent, to actuation.IntentStatus, reason string) error {
	updated, ops, err := actuation.Transition(intent, to, reason)
	if err != nil {
		return err
	}

	e, err := o.store.GetEntity(intent.ID)
	if err != nil {
		return err
	}
	state, err := o.reconstructState(intent.ID)
	if err != nil {
		return err
	}
	newEntity, delta, err := entity.Extend(e, state, ops, entity.AuthorSystem, o.now(), o.hasher)
	if err != nil {
		return err
	}
	if err := o.store.PutEntity(newEntity); err != nil {
		return err
	}
	if err := o.store.AppendDelta(newEntity.ID, delta); err != nil {
		return err
	}

	o.intents.PutIntent(updated)
	if updated.Status.IsTerminal() {
		metrics.RecordIntentOutcome(string(updated.Status))
	}
	return nil
}

func (o *Orchestrator) reconstructState(id entity.ID) (interface{}, error) {
	deltas, err := o.store.Deltas(id)
	if err != nil {
		return nil, err
	}
	return entity.Reconstruct(deltas)
}

func (o *Orchestrator) persistIntent(intent actuation.ActuationIntent) error {
	raw, err := toMap(intent)
	if err != nil {
		return err
	}
	e, d, err := entity.Create(entity.KindActuationIntent, raw, entity.AuthorSystem, o.now(), o.hasher)
	if err != nil {
		return err
	}
	e.ID = intent.ID
	d.EntityID = intent.ID
	if err := o.store.PutEntity(e); err != nil {
		return err
	}
	return o.store.AppendDelta(e.ID, d)
}

// TickDeviceAgent implements spec.md §6 tick_device_agent.
func (o *Orchestrator) TickDeviceAgent(ctx context.Context) (agent.TickResult, error) {
	return o.deviceAgent.Tick(ctx)
}

// SweepExpiredIntents implements spec.md §6 sweep_expired_intents.
func (o *Orchestrator) SweepExpiredIntents() (agent.SweepResult, error) {
	return o.deviceAgent.SweepExpired(o.now())
}

// Run drives the single-threaded cooperative event loop: inbound packets,
// device-agent ticks, and expiry sweeps all serialize through this one
// goroutine, matching the scoped-resource rule of spec.md §5 / §9.
func (o *Orchestrator) Run(ctx context.Context, inbound <-chan InboundPacket) {
	deviceAgentTicker := time.NewTicker(o.deviceAgentInterval)
	defer deviceAgentTicker.Stop()
	sweepTicker := time.NewTicker(o.expirySweepInterval)
	defer sweepTicker.Stop()

	o.logger.Printf("event loop started for node %s", o.nodeID)
	for {
		select {
		case <-ctx.Done():
			o.logger.Printf("event loop stopping: %v", ctx.Err())
			return

		case pkt, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if _, err := o.HandlePacket(pkt.PeerNodeID, pkt.Packet); err != nil {
				o.logger.Printf("handle packet from %s: %v", pkt.PeerNodeID, err)
			}

		case <-deviceAgentTicker.C:
			if result, err := o.TickDeviceAgent(ctx); err != nil {
				o.logger.Printf("device agent tick: %v", err)
			} else if result.Dispatched > 0 || result.Applied > 0 || result.Failed > 0 {
				o.logger.Printf("device agent tick: dispatched=%d applied=%d failed=%d duplicates=%d",
					result.Dispatched, result.Applied, result.Failed, result.DuplicatesPrevented)
			}

		case <-sweepTicker.C:
			if result, err := o.SweepExpiredIntents(); err != nil {
				o.logger.Printf("expiry sweep: %v", err)
			} else if result.Expired > 0 {
				o.logger.Printf("expiry sweep: expired=%d", result.Expired)
			}
		}
	}
}

// InboundPacket pairs a sync packet with the peer node id it arrived from,
// the unit carried over Run's inbound channel.
type InboundPacket struct {
	PeerNodeID string
	Packet     syncpkg.Packet
}

// toMap round-trips v through JSON into a plain map, the shape entity.Create
// expects for its initial state.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
