package calls

import "fmt"

// SignalMessage is one negotiation message relayed between the two
// participants of a call. Payloads are opaque to the relay.
type SignalMessage interface {
	Kind() SignalKind
	isSignal()
}

type SignalKind string

const (
	SignalOffer              SignalKind = "offer"
	SignalAnswer             SignalKind = "answer"
	SignalICECandidate       SignalKind = "iceCandidate"
	SignalScreenShareRequest SignalKind = "screenShareRequest"
	SignalScreenShareStop    SignalKind = "screenShareStop"
)

type Offer struct{ SDP string }
type Answer struct{ SDP string }
type ICECandidate struct{ Candidate string }
type ScreenShareRequest struct{}
type ScreenShareStop struct{}

func (Offer) Kind() SignalKind              { return SignalOffer }
func (Answer) Kind() SignalKind             { return SignalAnswer }
func (ICECandidate) Kind() SignalKind       { return SignalICECandidate }
func (ScreenShareRequest) Kind() SignalKind { return SignalScreenShareRequest }
func (ScreenShareStop) Kind() SignalKind    { return SignalScreenShareStop }

func (Offer) isSignal()              {}
func (Answer) isSignal()             {}
func (ICECandidate) isSignal()       {}
func (ScreenShareRequest) isSignal() {}
func (ScreenShareStop) isSignal()    {}

// Envelope is a queued signal together with its mailbox sequence number.
// Sequence numbers grow monotonically per mailbox and survive clears.
type Envelope struct {
	Seq     uint64
	From    Identity
	Message SignalMessage
}

// LastSeq returns the sequence number of the newest envelope, or 0.
func LastSeq(batch []Envelope) uint64 {
	if len(batch) == 0 {
		return 0
	}
	return batch[len(batch)-1].Seq
}

// SignalRecord is the wire and storage shape of a signal.
type SignalRecord struct {
	Seq     uint64     `json:"seq,omitempty"`
	From    Identity   `json:"from,omitempty"`
	Kind    SignalKind `json:"kind"`
	Payload string     `json:"payload,omitempty"`
}

func SignalRecordOf(m SignalMessage) SignalRecord {
	switch v := m.(type) {
	case Offer:
		return SignalRecord{Kind: SignalOffer, Payload: v.SDP}
	case Answer:
		return SignalRecord{Kind: SignalAnswer, Payload: v.SDP}
	case ICECandidate:
		return SignalRecord{Kind: SignalICECandidate, Payload: v.Candidate}
	case ScreenShareRequest:
		return SignalRecord{Kind: SignalScreenShareRequest}
	case ScreenShareStop:
		return SignalRecord{Kind: SignalScreenShareStop}
	default:
		panic(fmt.Sprintf("calls: unknown signal %T", m))
	}
}

func EnvelopeRecord(e Envelope) SignalRecord {
	r := SignalRecordOf(e.Message)
	r.Seq = e.Seq
	r.From = e.From
	return r
}

// Message validates the record and rebuilds the tagged signal.
func (r SignalRecord) Message() (SignalMessage, error) {
	switch r.Kind {
	case SignalOffer:
		if r.Payload == "" {
			return nil, fmt.Errorf("%w: offer without description", ErrInvalidArgument)
		}
		return Offer{SDP: r.Payload}, nil
	case SignalAnswer:
		if r.Payload == "" {
			return nil, fmt.Errorf("%w: answer without description", ErrInvalidArgument)
		}
		return Answer{SDP: r.Payload}, nil
	case SignalICECandidate:
		if r.Payload == "" {
			return nil, fmt.Errorf("%w: empty candidate", ErrInvalidArgument)
		}
		return ICECandidate{Candidate: r.Payload}, nil
	case SignalScreenShareRequest:
		return ScreenShareRequest{}, nil
	case SignalScreenShareStop:
		return ScreenShareStop{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown signal kind %q", ErrInvalidArgument, r.Kind)
	}
}

func (r SignalRecord) Envelope() (Envelope, error) {
	m, err := r.Message()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Seq: r.Seq, From: r.From, Message: m}, nil
}
