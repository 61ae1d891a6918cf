// Package middleware holds the built-in Pipeline middleware (§4.3):
// IdentityExtraction and ConsistencyGuarantee. It imports dispatch (which
// owns Pipeline/Middleware/Payload) rather than the reverse, so user code
// can write its own middleware against dispatch.Middleware without
// depending on this package at all.
package middleware

import (
	"errors"
	"fmt"

	"github.com/eventrouter/dispatch/dispatch"
	"github.com/eventrouter/dispatch/dispatcherrors"
)

// identityExtraction resolves stream_uuid per §4.2 and halts the pipeline
// with invalid_aggregate_identity on failure. It runs first among the
// built-ins so every middleware after it sees a fully-populated Payload;
// per-command user middleware, which the Router places ahead of the
// built-ins, runs before identity is resolved.
type identityExtraction struct{}

// IdentityExtraction is the built-in identity-resolution middleware.
func IdentityExtraction() dispatch.Middleware { return identityExtraction{} }

func (identityExtraction) BeforeDispatch(p *dispatch.Pipeline) {
	payload := p.Payload
	raw, err := payload.IdentityRule.Resolve(payload.Command)
	if err != nil {
		p.Halt(wrapIdentityErr(err))
		return
	}

	prefix, err := payload.IdentityPrefix.Value()
	if err != nil {
		p.Halt(wrapIdentityErr(err))
		return
	}

	payload.Identity = raw
	payload.StreamUUID = prefix + raw
}

func (identityExtraction) AfterDispatch(*dispatch.Pipeline) {}
func (identityExtraction) AfterFailure(*dispatch.Pipeline)  {}

// wrapIdentityErr ensures every identity-resolution failure is matchable
// via errors.Is(err, dispatcherrors.ErrInvalidAggregateIdentity), whether or
// not the underlying IdentityRule/IdentityPrefix already wrapped it.
func wrapIdentityErr(err error) error {
	if errors.Is(err, dispatcherrors.ErrInvalidAggregateIdentity) {
		return err
	}
	return fmt.Errorf("%w: %v", dispatcherrors.ErrInvalidAggregateIdentity, err)
}
