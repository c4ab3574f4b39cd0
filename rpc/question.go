package rpc

import "github.com/vatwire/capnp/rpc/captable"

// OnReturnFunc is invoked when the Return for a question arrives. No
// Return is synthesized locally: a remote Abort does not invoke it for
// questions still outstanding. caps is nil for
// Return variants that carry no payload (canceled, resultsSentElsewhere,
// takeFromOtherQuestion).
type OnReturnFunc func(ret *ReturnMessage, caps *captable.InboundCapTable)

// question is an entry in a Peer's outbound question table (spec §3
// "Question", §4.7 questions/next_question_id).
type question struct {
	id          captable.QuestionID
	interfaceID uint64
	methodID    uint16
	onReturn    OnReturnFunc

	// paramCaps holds the local ExportIDs referenced senderHosted in the
	// call's own outbound payload cap table; these
	// are released if the Return says releaseParamCaps (spec §4.7.2
	// "return").
	paramCaps []captable.ExportID

	// canceled marks a question finished locally ahead of its Return
	// (early cancellation, spec §12). Nothing in this package sets or
	// reads it.
	canceled bool

	// loopback marks a question whose Return must be delivered purely
	// locally without a Finish round-trip (spec §4.7
	// loopback_questions).
	loopback bool

	// suppressAutoFinish skips the automatic Finish a Return otherwise
	// triggers. SendProvide sets it, so the provider's own Finish is not
	// sent on the Provide's acknowledgement and the provide stays open for
	// a later Accept.
	suppressAutoFinish bool
}
