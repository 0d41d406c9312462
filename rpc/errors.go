package rpc

import "fmt"

// ExceptionType classifies an Exception the way rpc.capnp's own
// Exception.Type does: it tells the peer (and our own retry logic)
// whether trying again is worth it.
type ExceptionType int

const (
	// Failed is a generic failure. Retrying is unlikely to help.
	Failed ExceptionType = iota
	// Overloaded means the callee is overloaded; the caller may retry
	// later.
	Overloaded
	// Disconnected means the callee is (or has become) unreachable.
	Disconnected
	// Unimplemented means the callee does not implement the requested
	// interface or method.
	Unimplemented
)

func (t ExceptionType) String() string {
	switch t {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Durability records whether an Exception is worth remembering across
// retries.
type Durability int

const (
	Permanent Durability = iota
	Temporary
	OverloadedDurability
)

// Exception is the Go representation of the wire Exception struct
// (spec §6, §7): a reason string, a caller-fault flag, and a durability
// tag. isCallersFault is set for precondition violations (a malformed
// or out-of-contract message from the peer) and unset for local bugs or
// network failures that are not the caller's doing.
type Exception struct {
	Reason         string
	IsCallersFault bool
	Type           ExceptionType
	Durability     Durability
}

func (e *Exception) Error() string {
	return e.Reason
}

// errorf builds a *Exception the way the teacher's internal errors
// package does, tagging it Failed/Permanent by default.
func errorf(format string, args ...interface{}) *Exception {
	return &Exception{Reason: fmt.Sprintf(format, args...), Type: Failed, Durability: Permanent}
}

// annotate wraps err with additional context, preserving its Exception
// fields (if any) but not its identity — used at the boundary between
// a lower-level error (an I/O failure, a missing table entry) and the
// protocol-level Exception that gets sent on the wire or handed to
// application code.
func annotate(err error) *annotated {
	return &annotated{err: err}
}

type annotated struct {
	err error
}

func (a *annotated) errorf(format string, args ...interface{}) *Exception {
	msg := fmt.Sprintf(format, args...) + ": " + a.err.Error()
	exc := &Exception{Reason: msg, Type: Failed, Durability: Permanent}
	if e, ok := a.err.(*Exception); ok {
		exc.Type = e.Type
		exc.Durability = e.Durability
		exc.IsCallersFault = e.IsCallersFault
	}
	return exc
}

// typeOf reports the ExceptionType for any error, defaulting to Failed
// for errors that did not originate in this package.
func typeOf(err error) ExceptionType {
	if e, ok := err.(*Exception); ok {
		return e.Type
	}
	return Failed
}

// remoteException wraps an Exception.Reason we received from the peer,
// prefixing it per spec §6 ("remote exception: ") so application code
// can tell apart a local failure from one reported by the other vat.
func remoteException(reason string, callersFault bool, durability Durability) *Exception {
	return &Exception{
		Reason:         "remote exception: " + reason,
		IsCallersFault: callersFault,
		Type:           Failed,
		Durability:     durability,
	}
}

// disconnectedf builds the Exception every pending call is rejected
// with once a connection has failed (spec §7's user-visible failure
// behavior).
func disconnectedf(format string, args ...interface{}) *Exception {
	return &Exception{
		Reason:     "Disconnected: " + fmt.Sprintf(format, args...),
		Type:       Disconnected,
		Durability: Permanent,
	}
}

// preconditionf builds an Exception for a protocol violation: the peer
// sent a message that is ill-formed or out of contract (duplicate
// Return, unknown question ID, a senderLoopback Disembargo aimed at a
// target that wasn't the subject of an earlier Resolve, etc). These are
// always the caller's fault and always fatal to the connection.
func preconditionf(format string, args ...interface{}) *Exception {
	return &Exception{
		Reason:         fmt.Sprintf(format, args...),
		IsCallersFault: true,
		Type:           Failed,
		Durability:     Permanent,
	}
}

// bugf builds an Exception for a broken local invariant — never the
// caller's fault.
func bugf(format string, args ...interface{}) *Exception {
	return &Exception{
		Reason:     "bug: " + fmt.Sprintf(format, args...),
		Type:       Failed,
		Durability: Permanent,
	}
}

var (
	errConnClosed              = disconnectedf("connection closed locally")
	errQuestionReused          = bugf("question ID reused before previous use was finished")
	errNoMainInterface         = &Exception{Reason: "no bootstrap interface", Type: Unimplemented, Durability: Permanent}
	errNoRestorer              = &Exception{Reason: "no restorer", Type: Unimplemented, Durability: Permanent}
	errBadTarget               = preconditionf("invalid call target")
	errDisembargoNonImport     = preconditionf("disembargo on neither a promisedAnswer nor an importedCap target")
	errDisembargoMissingAnswer = preconditionf("disembargo references unknown answer")
	errDisembargoMissingExport = preconditionf("disembargo references unknown export")
	errUnrecognizedPipelineOp  = &Exception{Reason: "unrecognized pipeline ops", Type: Failed, Durability: Permanent}
	errNullClient              = &Exception{Reason: "null client", Type: Failed, Durability: Permanent}
	errUnimplemented           = &Exception{Reason: "message not implemented", Type: Unimplemented, Durability: Permanent}
)
