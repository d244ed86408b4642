package actuation

import (
	"testing"
	"time"

	"github.com/certen/deltafabric/pkg/entity"
)

func floatPtr(f float64) *float64 { return &f }

func TestEvaluate_ExpiryFiresFirst(t *testing.T) {
	e := NewEngine(DefaultRateLimitConfig(), []ActuatorKind{ActuatorRelay})
	intent := ActuationIntent{CreatedAt: 0, ExpiresAt: 1, Request: Request{Action: ActionSetOn}}
	ctx := Context{Mode: ModeBuild, CurrentTime: 1000, Actuator: Actuator{Kind: ActuatorRelay}}

	d := e.Evaluate(intent, ctx)
	if d.Allowed || d.Reason != ReasonIntentExpired {
		t.Errorf("expected INTENT_EXPIRED, got %#v", d)
	}
}

func TestEvaluate_ModeRestrictRecover(t *testing.T) {
	e := NewEngine(DefaultRateLimitConfig(), []ActuatorKind{ActuatorRelay})
	intent := ActuationIntent{ExpiresAt: 999999, Request: Request{Action: ActionSetOn}}
	ctx := Context{Mode: ModeRecover, CurrentTime: 0, Actuator: Actuator{Kind: ActuatorDimmer}}

	d := e.Evaluate(intent, ctx)
	if d.Allowed || d.Reason != ReasonModeRestrictRecover {
		t.Errorf("expected MODE_RESTRICT_RECOVER, got %#v", d)
	}
}

func TestEvaluate_BoundsOutOfRange(t *testing.T) {
	e := NewEngine(DefaultRateLimitConfig(), nil)
	caps := Capabilities{Min: floatPtr(0), Max: floatPtr(100), Step: floatPtr(1)}
	intent := ActuationIntent{ExpiresAt: 999999, Request: Request{Action: ActionSetValue, Value: floatPtr(999)}}
	ctx := Context{Mode: ModeBuild, CurrentTime: 0, Actuator: Actuator{Kind: ActuatorDimmer, Capabilities: caps}}

	d := e.Evaluate(intent, ctx)
	if d.Allowed || d.Reason != ReasonValueAboveMax {
		t.Errorf("expected VALUE_ABOVE_MAX, got %#v", d)
	}
}

func TestEvaluate_ValueRequiredForSetValue(t *testing.T) {
	e := NewEngine(DefaultRateLimitConfig(), nil)
	intent := ActuationIntent{ExpiresAt: 999999, Request: Request{Action: ActionSetValue}}
	ctx := Context{Mode: ModeBuild, CurrentTime: 0, Actuator: Actuator{Kind: ActuatorDimmer}}

	d := e.Evaluate(intent, ctx)
	if d.Allowed || d.Reason != ReasonValueRequired {
		t.Errorf("expected VALUE_REQUIRED, got %#v", d)
	}
}

func TestEvaluate_NotOnStep(t *testing.T) {
	e := NewEngine(DefaultRateLimitConfig(), nil)
	caps := Capabilities{Min: floatPtr(0), Max: floatPtr(100), Step: floatPtr(10)}
	intent := ActuationIntent{ExpiresAt: 999999, Request: Request{Action: ActionSetValue, Value: floatPtr(5)}}
	ctx := Context{Mode: ModeBuild, CurrentTime: 0, Actuator: Actuator{Kind: ActuatorDimmer, Capabilities: caps}}

	d := e.Evaluate(intent, ctx)
	if d.Allowed || d.Reason != ReasonValueNotOnStep {
		t.Errorf("expected VALUE_NOT_ON_STEP, got %#v", d)
	}
}

func TestEvaluate_RateLimitAfterThreeRequests(t *testing.T) {
	e := NewEngine(RateLimitConfig{Window: time.Second, Max: 3}, nil)
	actuatorID := entity.NewID()
	intent := ActuationIntent{ExpiresAt: 999999, Request: Request{Action: ActionSetOn}}
	ctx := Context{Mode: ModeBuild, CurrentTime: 0, Actuator: Actuator{ID: actuatorID, Kind: ActuatorRelay}}

	for i := 0; i < 3; i++ {
		d := e.Evaluate(intent, ctx)
		if !d.Allowed {
			t.Fatalf("request %d should have been allowed, got %#v", i, d)
		}
	}
	d := e.Evaluate(intent, ctx)
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Errorf("expected RATE_LIMITED on the 4th request, got %#v", d)
	}
}

func TestEvaluate_AllowedRequest(t *testing.T) {
	e := NewEngine(DefaultRateLimitConfig(), nil)
	intent := ActuationIntent{ExpiresAt: 999999, Request: Request{Action: ActionSetOn}}
	ctx := Context{Mode: ModeBuild, CurrentTime: 0, Actuator: Actuator{Kind: ActuatorRelay}}

	d := e.Evaluate(intent, ctx)
	if !d.Allowed {
		t.Errorf("expected allowed decision, got %#v", d)
	}
}
