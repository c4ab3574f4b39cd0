// Package rpc implements the peer-level Cap'n Proto RPC runtime: the
// protocol codec for the 13 wire message variants and the Peer state
// machine built on top of it (spec §4.3, §4.7).
package rpc

// MessageTag discriminates the top-level Message union (spec §1, §6).
type MessageTag uint8

const (
	TagUnimplemented MessageTag = iota
	TagAbort
	TagBootstrap
	TagCall
	TagReturn
	TagFinish
	TagResolve
	TagRelease
	TagDisembargo
	TagProvide
	TagAccept
	TagJoin
	TagThirdPartyAnswer
)

func (t MessageTag) String() string {
	switch t {
	case TagUnimplemented:
		return "unimplemented"
	case TagAbort:
		return "abort"
	case TagBootstrap:
		return "bootstrap"
	case TagCall:
		return "call"
	case TagReturn:
		return "return"
	case TagFinish:
		return "finish"
	case TagResolve:
		return "resolve"
	case TagRelease:
		return "release"
	case TagDisembargo:
		return "disembargo"
	case TagProvide:
		return "provide"
	case TagAccept:
		return "accept"
	case TagJoin:
		return "join"
	case TagThirdPartyAnswer:
		return "thirdPartyAnswer"
	default:
		return "unknown"
	}
}

// MessageTargetKind discriminates a Call's target (spec §4.7.2).
type MessageTargetKind uint8

const (
	TargetImportedCap MessageTargetKind = iota
	TargetPromisedAnswer
)

// ReturnKind discriminates a Return message's union (spec §3 Invariant 4).
type ReturnKind uint8

const (
	ReturnResults ReturnKind = iota
	ReturnException
	ReturnCanceled
	ReturnResultsSentElsewhere
	ReturnTakeFromOtherQuestion
	ReturnAwaitFromThirdParty
)

// ResolveKind discriminates a Resolve message.
type ResolveKind uint8

const (
	ResolveCap ResolveKind = iota
	ResolveException
)

// DisembargoContextKind discriminates Disembargo.context (spec §4.7.2,
// §4.8.2).
type DisembargoContextKind uint8

const (
	DisembargoSenderLoopback DisembargoContextKind = iota
	DisembargoReceiverLoopback
	DisembargoAccept
)
