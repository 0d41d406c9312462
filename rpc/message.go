package rpc

import "zombiezen.com/go/capnproto2"

// This file is this core's own stand-in for the "typed readers/builders
// over a pre-existing message encoding" spec §1 treats as an external
// collaborator: actual capnp wire serialization of rpc.capnp is out of
// scope. The shapes below mirror the real schema's arms (spec §6) field
// for field, so a Transport only has to move *this* struct across the
// wire (transport.go's StreamTransport does so with encoding/gob) rather
// than this package reinventing a byte-level codec.

// messageWhich discriminates the Message union (spec §6).
type messageWhich int

const (
	msgUnimplemented messageWhich = iota
	msgAbort
	msgCall
	msgReturn
	msgFinish
	msgResolve
	msgRelease
	msgDisembargo
	msgRestore
)

// message is one frame of the wire protocol.
type message struct {
	Which messageWhich

	Call          *call
	Return        *ret
	Finish        *finish
	Resolve       *resolve
	Release       *release
	Disembargo    *disembargo
	Restore       *restore
	Abort         *wireException
	Unimplemented *message
}

// targetWhich discriminates MessageTarget.
type targetWhich int

const (
	targetImportedCap targetWhich = iota
	targetPromisedAnswer
)

type messageTarget struct {
	Which          targetWhich
	ImportedCap    uint32
	PromisedAnswer promisedAnswer
}

type promisedAnswer struct {
	QuestionID uint32
	Transform  []capnp.PipelineOp
}

// sendResultsToWhich discriminates Call.sendResultsTo.
type sendResultsToWhich int

const (
	sendResultsToCaller sendResultsToWhich = iota
	sendResultsToYourself
)

type call struct {
	QuestionID     uint32
	Target         messageTarget
	InterfaceID    uint64
	MethodID       uint16
	Params         payload
	SendResultsTo  sendResultsToWhich
}

// returnWhich discriminates the Return union (spec §6).
type returnWhich int

const (
	returnResults returnWhich = iota
	returnException
	returnCanceled
	returnResultsSentElsewhere
	returnTakeFromOtherAnswer
)

type ret struct {
	AnswerID          uint32
	ReleaseParamCaps  bool
	Which             returnWhich
	Results           payload
	Exception         wireException
	TakeFromOtherAnswer uint32
}

type finish struct {
	QuestionID        uint32
	ReleaseResultCaps bool
}

type resolveWhich int

const (
	resolveCap resolveWhich = iota
	resolveException
)

type resolve struct {
	PromiseID uint32
	Which     resolveWhich
	Cap       capDescriptor
	Exception wireException
}

type release struct {
	ID             uint32
	ReferenceCount uint32
}

type disembargoContextWhich int

const (
	disembargoSenderLoopback disembargoContextWhich = iota
	disembargoReceiverLoopback
)

type disembargo struct {
	Target  messageTarget
	Context disembargoContextWhich
	ID      uint32
}

type restore struct {
	QuestionID  uint32
	IsBootstrap bool
	ObjectID    capnp.Ptr
}

// descWhich discriminates the CapDescriptor union (spec §2, §6).
type descWhich int

const (
	descNone descWhich = iota
	descSenderHosted
	descSenderPromise
	descReceiverHosted
	descReceiverAnswer
	descThirdPartyHosted
)

type capDescriptor struct {
	Which            descWhich
	SenderHosted     uint32
	SenderPromise    uint32
	ReceiverHosted   uint32
	ReceiverAnswer   promisedAnswer
	ThirdPartyVineID uint32
}

// payload bundles a content pointer with the capability table describing
// every capability reachable from it (spec §6: Call.params, Return.
// results).
type payload struct {
	Content  capnp.Ptr
	CapTable []capDescriptor
}

// wireException is the wire shape of spec §6's Exception.
type wireException struct {
	Reason         string
	IsCallersFault bool
	Durability     Durability
}

func toWireException(e *Exception) wireException {
	return wireException{Reason: e.Reason, IsCallersFault: e.IsCallersFault, Durability: e.Durability}
}

func fromWireException(w wireException) *Exception {
	return &Exception{Reason: w.Reason, IsCallersFault: w.IsCallersFault, Durability: w.Durability, Type: Failed}
}
