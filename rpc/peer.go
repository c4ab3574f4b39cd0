package rpc

import (
	"context"
	"fmt"

	"github.com/vatwire/capnp/internal/diag"
	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
	"github.com/vatwire/capnp/rpc/netparams"
	"github.com/vatwire/capnp/transport"
)

// Peer is one end of a two-party (or, via Provide/Accept/Join, vat-
// network) Cap'n Proto RPC connection: the per-connection state spec §4.7
// names, driven entirely by the caller feeding it inbound frames through
// HandleFrame and reading its outbound frames back via the attached
// Transport. Unlike the teacher's Conn, a Peer owns no receive-loop
// goroutine of its own (spec §5): HandleFrame is the single entry point
// a caller's own I/O loop drives, so one chanMutex-guarded state block
// plays the role the teacher's manager group and sendCh did together.
type Peer struct {
	mu        chanMutex
	transport transport.Transport
	bootstrap Handler
	errorHandler func(error)
	trace     *diag.Trace
	capTable  *captable.Table

	// --- outbound: questions we asked, answers we're owed ---
	questions      map[captable.QuestionID]*question
	nextQuestionID idgen
	loopbackQuestions map[captable.QuestionID]bool

	// --- exports: capabilities we host for the remote ---
	exports      map[captable.ExportID]*export
	nextExportID idgen

	// --- inbound: answers we owe the remote ---
	answers map[captable.AnswerID]*answer

	// pendingPromises queues inbound Call messages that target one of
	// this peer's own not-yet-returned answers, replayed once that
	// answer's Return is sent (spec §4.8.1 pending_promises/
	// pending_export_promises). Keyed by AnswerID, the same id space as
	// p.answers, since a Call's PromisedAnswer target names an answer
	// the *receiver* of the Call owes.
	pendingPromises map[captable.AnswerID][]*pendingPromiseCall

	// resolvedAnswers remembers a finished own-answer's content/exception
	// past Return time, so a PromisedAnswer target arriving after
	// resolution can still be served without re-queuing.
	resolvedAnswers map[captable.AnswerID]*resolvedAnswer

	// resolvedImports tracks what a sender-promise import this peer holds
	// has resolved to, once a Resolve message arrives (spec §4.7
	// resolved_imports).
	resolvedImports map[captable.ImportID]*resolvedImportState

	// pendingEmbargoes gates loopback delivery behind a disembargo
	// round-trip (spec §4.8.2): allocated when a Resolve names a target
	// that isn't immediately concrete, fulfilled on the matching
	// Disembargo(receiverLoopback).
	pendingEmbargoes map[captable.EmbargoID]*embargo
	nextEmbargoID    idgen

	// --- three-party handoff (spec §4.8.3-4.8.5) ---
	// providesByQuestion is keyed by the answer id this peer owes the
	// Provide's sender (spec's "q"); a Provide expects a Return exactly
	// like a Call does.
	providesByQuestion map[captable.AnswerID]*provideState
	provideByRecipient map[netparams.RecipientKey]*provideState

	// pendingAcceptsByEmbargo parks Accepts that named an embargo key
	// until the matching Disembargo(accept, key) releases them in
	// arrival order (spec §4.8.3). Keyed by the raw embargo key bytes
	// (an opaque correlation token, not one of this peer's EmbargoIDs).
	pendingAcceptsByEmbargo        map[string][]*pendingAccept
	pendingAcceptEmbargoByQuestion map[captable.AnswerID]string

	joinStates           map[netparams.JoinKey]*joinState
	pendingJoinQuestions map[captable.AnswerID]netparams.JoinKeyPart

	pendingThirdPartyAwaits  map[string]captable.QuestionID
	pendingThirdPartyAnswers map[string]captable.AnswerID
	pendingThirdPartyReturns map[captable.AnswerID]*ReturnMessage
	adoptedThirdPartyAnswers map[captable.AnswerID]captable.AnswerID

	lastRemoteAbortReason string
	lastInboundTag        MessageTag

	closed bool
}

// NewPeer constructs a Peer attached to t, applying opts (spec §6 public
// API; grounded on the teacher's NewConn/connParams).
func NewPeer(t transport.Transport, opts ...PeerOption) *Peer {
	var params peerParams
	for _, o := range opts {
		o.f(&params)
	}
	limit := params.capTableLimit
	p := &Peer{
		mu:                       newChanMutex(),
		transport:                t,
		bootstrap:                params.bootstrap,
		errorHandler:             params.errorHandler,
		trace:                    params.trace,
		questions:                make(map[captable.QuestionID]*question),
		loopbackQuestions:        make(map[captable.QuestionID]bool),
		exports:                  make(map[captable.ExportID]*export),
		answers:                  make(map[captable.AnswerID]*answer),
		pendingPromises:          make(map[captable.AnswerID][]*pendingPromiseCall),
		resolvedAnswers:          make(map[captable.AnswerID]*resolvedAnswer),
		resolvedImports:          make(map[captable.ImportID]*resolvedImportState),
		pendingEmbargoes:         make(map[captable.EmbargoID]*embargo),
		providesByQuestion:       make(map[captable.AnswerID]*provideState),
		provideByRecipient:       make(map[netparams.RecipientKey]*provideState),
		pendingAcceptsByEmbargo:        make(map[string][]*pendingAccept),
		pendingAcceptEmbargoByQuestion: make(map[captable.AnswerID]string),
		joinStates:               make(map[netparams.JoinKey]*joinState),
		pendingJoinQuestions:      make(map[captable.AnswerID]netparams.JoinKeyPart),
		pendingThirdPartyAwaits:   make(map[string]captable.QuestionID),
		pendingThirdPartyAnswers:  make(map[string]captable.AnswerID),
		pendingThirdPartyReturns:  make(map[captable.AnswerID]*ReturnMessage),
		adoptedThirdPartyAnswers:  make(map[captable.AnswerID]captable.AnswerID),
	}
	_ = limit // captable.MaxEntries is currently a package constant; a per-peer
	// override would require threading it into captable.New, left as a
	// design-level knob (spec §9 Open Questions: cap-table size is policy).
	p.capTable = captable.New(p.onCapTableWarn)
	return p
}

func (p *Peer) onCapTableWarn(used, max int) {
	p.record("cap_table_warn", fmt.Sprintf("%d/%d entries in use", used, max), nil)
	if p.errorHandler != nil {
		p.errorHandler(rpcerr.Errorf(rpcerr.KindCapTableFull, "peer.cap_table", "cap table at %d/%d entries", used, max))
	}
}

func (p *Peer) record(tag, detail string, err error) {
	if p.trace != nil {
		p.trace.Record(tag, detail, err)
	}
}

func (p *Peer) reportError(err error) {
	if err == nil {
		return
	}
	if p.errorHandler != nil {
		p.errorHandler(err)
	}
}

// send frames and writes m to the transport, outside of p.mu (Transport
// implementations may block; the teacher's sendCh exists for the same
// reason, collapsed here since HandleFrame/Send* are caller-driven rather
// than goroutine-scheduled).
func (p *Peer) send(ctx context.Context, m *message.Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return rpcerr.Annotate("peer.send", err)
	}
	if err := p.transport.Send(ctx, frame); err != nil {
		return rpcerr.Annotate("peer.send", err)
	}
	return nil
}

// exportFor registers h as a fresh export and returns its id. It assumes
// p.mu is already held by the caller (sendReturnCapability calls it
// while building a Return under lock). Unlike the teacher's
// findOrCreateExport, this does not dedup by handler identity: Handler
// need not be comparable (HandlerFunc wraps a func value, and func
// values panic on ==), so callers that want a single capability to keep
// the same export id across multiple payloads call AddExport once
// themselves and reuse the returned id via ExportCap.
func (p *Peer) exportFor(h Handler) captable.ExportID {
	id, err := p.addExportLocked(h)
	if err != nil {
		p.reportError(rpcerr.Annotate("peer.export_for", err))
	}
	return id
}

// AddExport registers h as a capability this peer hosts for the remote,
// returning the ExportID to place in outbound cap descriptors (spec §6
// public API, §3 "Export").
func (p *Peer) AddExport(h Handler) (captable.ExportID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addExportLocked(h)
}

func (p *Peer) addExportLocked(h Handler) (captable.ExportID, error) {
	localID, err := p.capTable.AllocLocalCapID()
	if err != nil {
		return 0, rpcerr.Annotate("peer.add_export", err)
	}
	id := captable.ExportID(localID)
	p.exports[id] = &export{handler: h, refCount: 1}
	return id, nil
}

func (p *Peer) findExport(id captable.ExportID) (*export, error) {
	e, ok := p.exports[id]
	if !ok {
		return nil, rpcerr.Errorf(rpcerr.KindUnknownExport, "peer.find_export", "no export %d", id)
	}
	return e, nil
}

// releaseExport drops n references from export id, removing (and
// unmarking in the cap table) it once the count hits zero.
func (p *Peer) releaseExport(id captable.ExportID, n uint32) {
	e, ok := p.exports[id]
	if !ok {
		return
	}
	if e.release(n) {
		delete(p.exports, id)
		if e.isPromise {
			p.capTable.UnmarkPromisedExport(captable.LocalID(id))
		}
	}
}

// Close shuts the underlying transport down (spec §6 public API).
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.transport.Close()
}

// IsClosed reports whether Close has been called.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// LastRemoteAbortReason returns the reason string of the last inbound
// Abort this peer observed, or "" if none.
func (p *Peer) LastRemoteAbortReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRemoteAbortReason
}

// Trace exposes the diagnostic ring buffer, if one was configured.
func (p *Peer) Trace() *diag.Trace { return p.trace }

// resolvedAnswer is what pipelined calls targeting one of this peer's
// own finished answers replay against directly instead of re-queuing
// (spec §4.8.1). msg is the Return message this peer itself sent for the
// answer; content is its results payload's content pointer, still valid
// within msg's own segments.
type resolvedAnswer struct {
	msg         *message.Message
	content     message.Ptr
	excKind     uint16
	excReason   string
	isException bool
}

// pendingPromiseCall is an inbound Call this peer could not route
// immediately because its target promised answer had not yet resolved,
// plus the AnswerID the caller expects a Return for.
type pendingPromiseCall struct {
	answerID captable.AnswerID
	call     *CallMessage
	params   Payload
}

// embargo is one outstanding senderLoopback this peer sent while clearing
// a resolved import, recording which promise it gates (spec §4.8.2).
type embargo struct {
	promiseID captable.ImportID
	ready     chan struct{}
}

// resolvedImportState is what a sender-promise import resolves to, plus
// its embargo status while ordering hasn't yet been confirmed (spec §4.7
// resolved_imports).
type resolvedImportState struct {
	resolved  captable.ResolvedCap
	embargoed bool
	broken    bool
}

// provideState tracks one outstanding Provide this peer is honoring,
// keyed both by the answer it owes the Provide's sender and by the
// recipient key an eventual Accept will name (spec §4.8.3).
type provideState struct {
	answerID  captable.AnswerID
	recipient netparams.RecipientKey
	handler   Handler
	// vanished is set once Finish arrives for answerID: any Accept still
	// parked against this provide must now fail with "unknown provision"
	// (spec §4.8.3).
	vanished bool
}

// pendingAccept is an Accept this peer received before the embargo named
// in it cleared (spec §4.8.3 "parked accepts").
type pendingAccept struct {
	answerID captable.AnswerID
	ps       *provideState
}

// joinState accumulates the parts of a multi-part Join keyed by
// (join_id, part_count) (spec §4.8.4).
type joinState struct {
	parts     map[uint16]captable.AnswerID
	partCount uint16
	handler   Handler
}
