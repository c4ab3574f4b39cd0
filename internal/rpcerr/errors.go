// Package rpcerr classifies the errors the peer runtime can produce.
//
// The shape (Kind + errorf/annotate helpers) follows the sibling
// internal/errors package used by the rpc package in the wider
// go-capnproto2 lineage: a small typed error plus a wrapping helper so
// call sites can add context without losing the underlying Kind.
package rpcerr

import "fmt"

// Kind classifies an error so callers (and the peer's failure-handling
// policy in §7 of the design) can switch on category without string
// matching.
type Kind string

// Framing / decode kinds.
const (
	KindInvalidFrame       Kind = "invalid_frame"
	KindFrameTooLarge      Kind = "frame_too_large"
	KindTruncatedMessage   Kind = "truncated_message"
	KindInvalidPointer     Kind = "invalid_pointer"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindInvalidDiscrim     Kind = "invalid_discriminant"
	KindMissingPromisedAns Kind = "missing_promised_answer"
	KindMissingCallTarget  Kind = "missing_call_target"
	KindMissingCapDesc     Kind = "missing_cap_descriptor_id"
	KindMissingThirdCap    Kind = "missing_third_party_cap_descriptor"
	KindCorruptValue       Kind = "corrupt_value_encoding"
	KindRecursionLimit     Kind = "recursion_limit_exceeded"
	KindElementCountTooBig Kind = "element_count_too_large"
)

// Cap-table kinds.
const (
	KindCapTableFull       Kind = "cap_table_full"
	KindRefCountOverflow   Kind = "ref_count_overflow"
	KindCapIndexOutOfRange Kind = "capability_index_out_of_bounds"
	KindCapUnavailable     Kind = "capability_unavailable"
	KindUnknownReceiverAns Kind = "unknown_receiver_answer_cap"
)

// Protocol-state kinds.
const (
	KindUnknownQuestion        Kind = "unknown_question"
	KindUnknownExport          Kind = "unknown_export"
	KindUnknownDisembargoTgt   Kind = "unknown_disembargo_target"
	KindUnknownProvision       Kind = "unknown_provision"
	KindMissingEmbargoID       Kind = "missing_embargo_id"
	KindDupProvideRecipient    Kind = "duplicate_provide_recipient"
	KindDupProvideQuestion     Kind = "duplicate_provide_question_id"
	KindDupJoinQuestion        Kind = "duplicate_join_question_id"
	KindDupThirdPartyReturn    Kind = "duplicate_third_party_return"
	KindDupThirdPartyAwait     Kind = "duplicate_third_party_await"
	KindConflictingThirdParty  Kind = "conflicting_third_party_answer"
	KindInvalidThirdPartyID    Kind = "invalid_third_party_answer_id"
	KindMissingThirdPartyPayld Kind = "missing_third_party_payload"
	KindPromiseUnresolved      Kind = "promise_unresolved"
	KindPromiseBroken          Kind = "promise_broken"
	KindQuestionIDExhausted    Kind = "question_id_exhausted"
	KindVersionOverflow        Kind = "version_overflow"
)

// Remote-signalled and resource kinds.
const (
	KindRemoteAbort   Kind = "remote_abort"
	KindOutOfMemory   Kind = "out_of_memory"
	KindTransportShut Kind = "transport_closed"
)

// Error is a Kind-tagged error produced by the rpc/message/transport
// packages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errString(msg)}
}

// Errorf builds a Kind-tagged error with a formatted message.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Annotate wraps an existing error with an operation name, preserving
// its Kind if it already carries one (otherwise the error is untyped
// context, e.g. an I/O failure from the transport).
func Annotate(op string, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &Error{Kind: e.Kind, Op: op + ": " + e.Op, Err: e.Err}
	}
	return &Error{Kind: "", Op: op, Err: err}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

type errString string

func (e errString) Error() string { return string(e) }
