package rpc

import (
	"context"

	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// Call is everything a Handler needs to service one inbound method
// invocation: the interface/method pair, the decoded parameter struct,
// and the inbound cap table giving meaning to any capability pointers
// reachable from it (spec §4.7.2 "call").
type Call struct {
	Ctx         context.Context
	InterfaceID uint64
	MethodID    uint16
	Params      message.Struct
	ParamCaps   *captable.InboundCapTable
}

// BuildResultsFunc lets a Handler place its results directly into the
// outbound message's root struct, the way the teacher's AllocResults
// does for a local answer (grounded on bobg's answer.go AllocResults).
type BuildResultsFunc func(seg *message.Segment) (message.Struct, error)

// ReturnFunc is how a Handler reports completion: exactly one of results
// or err is meaningful. A Handler that never calls it leaves the
// originating Answer pending forever, mirroring spec §3 Invariant 5
// ("every Answer eventually transitions to done").
type ReturnFunc func(build BuildResultsFunc, err error)

// Handler services inbound calls against one capability this peer hosts
// (an export or a promised answer). It deliberately mirrors the single
// concrete-peer/Handler shape spec §9's redesign notes call for, in
// place of per-schema generated interfaces.
type Handler interface {
	// HandleCall begins servicing call, eventually invoking ret exactly
	// once. HandleCall must not block; long-running work should run on
	// its own goroutine and call ret when done.
	HandleCall(call Call, ret ReturnFunc)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(call Call, ret ReturnFunc)

func (f HandlerFunc) HandleCall(call Call, ret ReturnFunc) { f(call, ret) }
