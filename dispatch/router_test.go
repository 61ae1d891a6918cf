package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/eventstore"
	"github.com/eventrouter/dispatch/lifespan"

	"errors"
)

func fakeHandler(ctx context.Context, state any, command any) aggregate.HandlerResult {
	return aggregate.OkEvents()
}

func fakeApply(state any, event eventstore.RecordedEvent) any { return state }

func fakeInitialState() any { return struct{}{} }

// resolveIdentity mirrors the middleware package's IdentityExtraction
// built-in, which these in-package tests cannot import without a cycle.
type resolveIdentity struct{}

func (resolveIdentity) BeforeDispatch(p *Pipeline) {
	raw, err := p.Payload.IdentityRule.Resolve(p.Payload.Command)
	if err != nil {
		p.Halt(err)
		return
	}
	prefix, err := p.Payload.IdentityPrefix.Value()
	if err != nil {
		p.Halt(err)
		return
	}
	p.Payload.Identity = raw
	p.Payload.StreamUUID = prefix + raw
}

func (resolveIdentity) AfterDispatch(*Pipeline) {}
func (resolveIdentity) AfterFailure(*Pipeline)  {}

func testSystemDefaults() SystemDefaults {
	return SystemDefaults{
		Consistency:   consistency.Eventual(),
		Returning:     aggregate.ReturningNone,
		Timeout:       5 * time.Second,
		RetryAttempts: 10,
		Lifespan:      lifespan.KeepAliveForever(),
		Middleware:    []Middleware{resolveIdentity{}},
	}
}

func baseConfig() Config {
	return Config{
		Handler:       fakeHandler,
		AggregateKind: "widget",
		Apply:         fakeApply,
		InitialState:  fakeInitialState,
		IdentityRule:  ByField("ID"),
	}
}

func TestRegisterDuplicateCommandKindFails(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	if err := r.Register("widget.create", baseConfig()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("widget.create", baseConfig()); err == nil {
		t.Fatal("expected error registering the same command kind twice")
	}
}

func TestRegisterRequiresHandlerAggregateApplyInitialState(t *testing.T) {
	r := NewRouter(testSystemDefaults())

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing handler", Config{AggregateKind: "widget", Apply: fakeApply, InitialState: fakeInitialState, IdentityRule: ByField("ID")}},
		{"missing aggregate kind", Config{Handler: fakeHandler, Apply: fakeApply, InitialState: fakeInitialState, IdentityRule: ByField("ID")}},
		{"missing apply", Config{Handler: fakeHandler, AggregateKind: "widget", InitialState: fakeInitialState, IdentityRule: ByField("ID")}},
		{"missing initial state", Config{Handler: fakeHandler, AggregateKind: "widget", Apply: fakeApply, IdentityRule: ByField("ID")}},
	}
	for _, c := range cases {
		if err := r.Register("widget."+c.name, c.cfg); err == nil {
			t.Fatalf("%s: expected registration error", c.name)
		}
	}
}

func TestRegisterRequiresIdentityRule(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	cfg := baseConfig()
	cfg.IdentityRule = nil

	if err := r.Register("widget.create", cfg); err == nil {
		t.Fatal("expected error when neither per-command nor per-aggregate identity rule is set")
	}
}

func TestIdentifyAggregateProvidesFallbackIdentity(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	r.IdentifyAggregate("widget", ByField("ID"), Literal("widget-"))

	cfg := baseConfig()
	cfg.IdentityRule = nil
	if err := r.Register("widget.create", cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	compiled, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entry, err := compiled.Lookup("widget.create")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.IdentityRule == nil {
		t.Fatal("expected identity rule inherited from IdentifyAggregate")
	}
}

func TestPerCommandIdentityWinsOverAggregateDefault(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	r.IdentifyAggregate("widget", ByField("OtherField"), Literal("agg-"))

	cfg := baseConfig() // IdentityRule: ByField("ID")
	cfg.IdentityPrefix = Literal("cmd-")
	if err := r.Register("widget.create", cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	compiled, _ := r.Build()
	entry, _ := compiled.Lookup("widget.create")

	type cmd struct{ ID string }
	raw, err := entry.IdentityRule.Resolve(cmd{ID: "w1"})
	if err != nil || raw != "w1" {
		t.Fatalf("IdentityRule.Resolve = (%v, %v), want (w1, nil)", raw, err)
	}
	prefix, _ := entry.IdentityPrefix.Value()
	if prefix != "cmd-" {
		t.Fatalf("IdentityPrefix = %q, want cmd- (per-command should win)", prefix)
	}
}

func TestLookupUnregisteredCommandFails(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	compiled, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = compiled.Lookup("does.not.exist")
	if !errors.Is(err, dispatcherrors.ErrUnregisteredCommand) {
		t.Fatalf("Lookup error = %v, want ErrUnregisteredCommand", err)
	}
}

func TestDefaultsMergePrecedence(t *testing.T) {
	r := NewRouter(testSystemDefaults())

	cfg := baseConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.DefaultRetryAttempts = 3
	strong := consistency.Strong()
	cfg.DefaultConsistency = &strong

	if err := r.Register("widget.create", cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	compiled, _ := r.Build()
	entry, _ := compiled.Lookup("widget.create")

	if entry.DefaultTimeout != 2*time.Second {
		t.Fatalf("DefaultTimeout = %v, want 2s (per-command override)", entry.DefaultTimeout)
	}
	if entry.DefaultRetryAttempts != 3 {
		t.Fatalf("DefaultRetryAttempts = %d, want 3", entry.DefaultRetryAttempts)
	}
}

func TestDefaultsFallBackToSystemDefaults(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	if err := r.Register("widget.create", baseConfig()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	compiled, _ := r.Build()
	entry, _ := compiled.Lookup("widget.create")

	if entry.DefaultTimeout != 5*time.Second {
		t.Fatalf("DefaultTimeout = %v, want system default 5s", entry.DefaultTimeout)
	}
	if entry.DefaultRetryAttempts != 10 {
		t.Fatalf("DefaultRetryAttempts = %d, want system default 10", entry.DefaultRetryAttempts)
	}
}

func TestBuildIsImmutableSnapshot(t *testing.T) {
	r := NewRouter(testSystemDefaults())
	if err := r.Register("widget.create", baseConfig()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	compiled, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := r.Register("widget.update", baseConfig()); err != nil {
		t.Fatalf("Register after Build: %v", err)
	}

	if _, err := compiled.Lookup("widget.update"); err == nil {
		t.Fatal("CompiledRouter saw a registration made after Build")
	}
}
