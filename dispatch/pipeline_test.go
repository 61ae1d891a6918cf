package dispatch

import (
	"errors"
	"testing"
)

type recordingMiddleware struct {
	name       string
	order      *[]string
	haltWith   error
	assignKey  string
	assignVal  any
}

func (m recordingMiddleware) BeforeDispatch(p *Pipeline) {
	*m.order = append(*m.order, "before:"+m.name)
	if m.assignKey != "" {
		p.Assign(m.assignKey, m.assignVal)
	}
	if m.haltWith != nil {
		p.Halt(m.haltWith)
	}
}

func (m recordingMiddleware) AfterDispatch(p *Pipeline) {
	*m.order = append(*m.order, "after:"+m.name)
}

func (m recordingMiddleware) AfterFailure(p *Pipeline) {
	*m.order = append(*m.order, "failure:"+m.name)
}

func TestRunChainSuccessRunsAfterInReverseOrder(t *testing.T) {
	var order []string
	chain := []Middleware{
		recordingMiddleware{name: "a", order: &order},
		recordingMiddleware{name: "b", order: &order},
	}
	p := &Pipeline{Payload: &Payload{}}
	ran := false

	RunChain(chain, p, func(*Pipeline) { ran = true })

	if !ran {
		t.Fatal("core dispatch function did not run")
	}
	want := []string{"before:a", "before:b", "after:b", "after:a"}
	assertOrder(t, order, want)
}

func TestRunChainHaltShortCircuitsToFailurePass(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	chain := []Middleware{
		recordingMiddleware{name: "a", order: &order},
		recordingMiddleware{name: "b", order: &order, haltWith: boom},
		recordingMiddleware{name: "c", order: &order},
	}
	p := &Pipeline{Payload: &Payload{}}
	coreRan := false

	RunChain(chain, p, func(*Pipeline) { coreRan = true })

	if coreRan {
		t.Fatal("core dispatch function ran after a halt in before-pass")
	}
	if !p.Halted || !errors.Is(p.Err, boom) {
		t.Fatalf("pipeline halted=%v err=%v, want halted with boom", p.Halted, p.Err)
	}
	want := []string{"before:a", "before:b", "failure:b", "failure:a"}
	assertOrder(t, order, want)
}

func TestRunChainCoreHaltRunsFullFailurePass(t *testing.T) {
	var order []string
	boom := errors.New("core failed")
	chain := []Middleware{
		recordingMiddleware{name: "a", order: &order},
		recordingMiddleware{name: "b", order: &order},
	}
	p := &Pipeline{Payload: &Payload{}}

	RunChain(chain, p, func(pp *Pipeline) { pp.Halt(boom) })

	want := []string{"before:a", "before:b", "failure:b", "failure:a"}
	assertOrder(t, order, want)
}

func TestPipelineAssignVisibleAcrossMiddleware(t *testing.T) {
	var order []string
	chain := []Middleware{
		recordingMiddleware{name: "a", order: &order, assignKey: "identity", assignVal: "acc-1"},
	}
	p := &Pipeline{Payload: &Payload{}}
	var seen any
	RunChain(chain, p, func(pp *Pipeline) {
		seen, _ = pp.Get("identity")
	})
	if seen != "acc-1" {
		t.Fatalf("Get(identity) = %v, want acc-1", seen)
	}
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
