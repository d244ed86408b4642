// Copyright 2025 Certen Protocol
//
// Policy Engine (spec.md §4.9) — evaluates an intent against its actuator
// and the current system mode in a fixed order, stopping at first failure.
// Evaluation is deterministic and stateless apart from the rate-limit
// counters, which are keyed per actuator.

package actuation

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/certen/deltafabric/pkg/entity"
)

// DenialReason is the closed set of policy rejection reasons (spec.md §7).
type DenialReason string

const (
	ReasonIntentExpired        DenialReason = "INTENT_EXPIRED"
	ReasonModeRestrictRecover  DenialReason = "MODE_RESTRICT_RECOVER"
	ReasonValueRequired        DenialReason = "VALUE_REQUIRED"
	ReasonValueNotAllowed      DenialReason = "VALUE_NOT_ALLOWED"
	ReasonValueBelowMin        DenialReason = "VALUE_BELOW_MIN"
	ReasonValueAboveMax        DenialReason = "VALUE_ABOVE_MAX"
	ReasonValueNotOnStep       DenialReason = "VALUE_NOT_ON_STEP"
	ReasonRateLimited          DenialReason = "RATE_LIMITED"
)

// SystemMode is the closed set of operating modes a policy evaluation runs
// under. RECOVER is the one restricted mode named in spec.md §4.9.
type SystemMode string

const (
	ModeBuild   SystemMode = "BUILD"
	ModeNormal  SystemMode = "NORMAL"
	ModeRecover SystemMode = "RECOVER"
)

// Context is the evaluation context for one policy run.
type Context struct {
	Mode              SystemMode
	Actuator          Actuator
	ActuatorState     ActuatorState
	RequestedByNodeID string
	CurrentTime       entity.Timestamp
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allowed bool
	Reason  DenialReason
	Detail  string
}

// RateLimitConfig configures the per-actuator sliding window (spec.md,
// Configuration: rate_limit_window_ms default 10000, rate_limit_max
// default 3).
type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

// DefaultRateLimitConfig returns the spec's documented defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Window: 10 * time.Second, Max: 3}
}

// Engine evaluates intents against the fixed rule order of spec.md §4.9.
// It owns the per-actuator rate limiters; everything else is pure.
type Engine struct {
	mu              sync.Mutex
	rateLimitCfg    RateLimitConfig
	limiters        map[entity.ID]*rate.Limiter
	restrictedKinds map[ActuatorKind]struct{}
}

// NewEngine creates a policy engine. restrictedKinds names the actuator
// kinds still permitted while the system is in RECOVER mode
// (mode_restricted_kinds in configuration); all other kinds are denied.
func NewEngine(rateLimitCfg RateLimitConfig, restrictedKinds []ActuatorKind) *Engine {
	allowed := make(map[ActuatorKind]struct{}, len(restrictedKinds))
	for _, k := range restrictedKinds {
		allowed[k] = struct{}{}
	}
	return &Engine{
		rateLimitCfg:    rateLimitCfg,
		limiters:        make(map[entity.ID]*rate.Limiter),
		restrictedKinds: allowed,
	}
}

// Evaluate runs the fixed rule order against intent under ctx, stopping at
// the first rule that fails.
func (e *Engine) Evaluate(intent ActuationIntent, ctx Context) Decision {
	if ctx.CurrentTime > intent.ExpiresAt {
		return Decision{Reason: ReasonIntentExpired}
	}

	if ctx.Mode == ModeRecover {
		if _, ok := e.restrictedKinds[ctx.Actuator.Kind]; !ok {
			return Decision{Reason: ReasonModeRestrictRecover}
		}
	}

	if d := evaluateBounds(intent.Request, ctx.Actuator.Capabilities); !d.Allowed {
		return d
	}

	if !e.allowRate(ctx.Actuator.ID, time.UnixMilli(int64(ctx.CurrentTime))) {
		return Decision{Reason: ReasonRateLimited}
	}

	return Decision{Allowed: true}
}

func evaluateBounds(req Request, caps Capabilities) Decision {
	if req.Action != ActionSetValue {
		return Decision{Allowed: true}
	}
	if req.Value == nil {
		return Decision{Reason: ReasonValueRequired}
	}
	value := *req.Value

	if len(caps.AllowedValues) > 0 {
		allowed := false
		for _, v := range caps.AllowedValues {
			if fmt.Sprintf("%v", value) == v {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{Reason: ReasonValueNotAllowed}
		}
	}

	if caps.Min != nil && value < *caps.Min {
		return Decision{Reason: ReasonValueBelowMin}
	}
	if caps.Max != nil && value > *caps.Max {
		return Decision{Reason: ReasonValueAboveMax}
	}
	if caps.Step != nil && caps.Min != nil && *caps.Step > 0 {
		steps := (value - *caps.Min) / *caps.Step
		if steps != float64(int64(steps)) {
			return Decision{Reason: ReasonValueNotOnStep}
		}
	}
	return Decision{Allowed: true}
}

// allowRate enforces the sliding window by approximating it with a token
// bucket refilling at Max tokens per Window, one limiter per actuator.
func (e *Engine) allowRate(actuatorID entity.ID, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	limiter, ok := e.limiters[actuatorID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(e.rateLimitCfg.Window/time.Duration(e.rateLimitCfg.Max)), e.rateLimitCfg.Max)
		e.limiters[actuatorID] = limiter
	}
	return limiter.AllowN(now, 1)
}

// ResetRateLimits clears all per-actuator rate-limit state. Used by tests
// and by an operator-triggered policy reset.
func (e *Engine) ResetRateLimits() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiters = make(map[entity.ID]*rate.Limiter)
}
