package dispatch

// Pipeline is the mutable record middleware hooks operate on (§4.3): the
// Payload plus a response slot, a halt flag, and a cross-middleware assigns
// map. Owned by dispatch (not the middleware package) so both Dispatcher
// and built-in/user middleware share one definition without an import
// cycle — middleware implementations live in the separate `middleware`
// package and import this one.
type Pipeline struct {
	Payload  *Payload
	Response any
	Err      error
	Halted   bool
	Assigns  map[string]any
}

// Halt marks the pipeline halted with err, short-circuiting straight to the
// after-failure pass.
func (p *Pipeline) Halt(err error) {
	p.Err = err
	p.Halted = true
}

// Assign records a value other middleware (and the inverse pass) can read
// back via Get.
func (p *Pipeline) Assign(key string, value any) {
	if p.Assigns == nil {
		p.Assigns = make(map[string]any)
	}
	p.Assigns[key] = value
}

// Get reads a value set by Assign.
func (p *Pipeline) Get(key string) (any, bool) {
	v, ok := p.Assigns[key]
	return v, ok
}

// Middleware is the three-hook interface every pipeline stage implements
// (§4.3). BeforeDispatch runs in registration order; AfterDispatch runs in
// reverse order on success; AfterFailure runs in reverse order once any
// middleware halts the pipeline.
type Middleware interface {
	BeforeDispatch(*Pipeline)
	AfterDispatch(*Pipeline)
	AfterFailure(*Pipeline)
}

// RunChain executes chain's before-hooks in order, short-circuiting to the
// failure pass on halt; afterOk runs only when no middleware halted.
// Exported so the middleware package's Chain helper (and tests) can drive
// the same execution rule without duplicating it.
func RunChain(chain []Middleware, p *Pipeline, afterOk func(*Pipeline)) {
	haltedAt := -1
	for i, mw := range chain {
		mw.BeforeDispatch(p)
		if p.Halted {
			haltedAt = i
			break
		}
	}
	if haltedAt >= 0 {
		for i := haltedAt; i >= 0; i-- {
			chain[i].AfterFailure(p)
		}
		return
	}

	if afterOk != nil {
		afterOk(p)
	}

	if p.Halted {
		for i := len(chain) - 1; i >= 0; i-- {
			chain[i].AfterFailure(p)
		}
		return
	}

	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].AfterDispatch(p)
	}
}
