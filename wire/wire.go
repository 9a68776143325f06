// Package wire encodes and decodes the rooms protocol envelope. The envelope
// is a protobuf message with a single oneof; every variant is a Go type
// implementing Message, and anything the decoder does not recognise comes
// back as *Unknown.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned by Decode when the frame is not valid protobuf.
var ErrMalformed = errors.New("malformed packet")

// Field numbers of the envelope oneof.
const (
	fieldWelcome            protowire.Number = 1
	fieldPeerJoin           protowire.Number = 2
	fieldPeerLeave          protowire.Number = 3
	fieldPeerUpdate         protowire.Number = 4
	fieldChallenge          protowire.Number = 5
	fieldSignedChallenge    protowire.Number = 6
	fieldPeerIdentification protowire.Number = 7
	fieldPeerKicked         protowire.Number = 8
)

// Message is one variant of the envelope.
type Message interface {
	field() protowire.Number
	appendBody(b []byte) []byte
	decodeBody(b []byte) error
}

type Welcome struct {
	Alias          uint32
	PeerIdentities map[uint32]string
}

type PeerJoin struct {
	Alias   uint32
	Address string
}

type PeerLeave struct {
	Alias uint32
}

type PeerUpdate struct {
	FromAlias  uint32
	Body       []byte
	Unreliable bool
}

type Challenge struct {
	ChallengeToSign  string
	AlreadyConnected bool
}

type SignedChallenge struct {
	AuthChainJSON string
}

type PeerIdentification struct {
	Address string
}

type PeerKicked struct {
	Reason string
}

// Unknown is an envelope with no variant set, or with a variant this
// version does not know. Field is zero when nothing was set.
type Unknown struct {
	Field protowire.Number
}

// Encode serialises m as an envelope. Unknown encodes to an empty envelope.
func Encode(m Message) []byte {
	if m == nil {
		return []byte{}
	}
	if _, ok := m.(*Unknown); ok {
		return []byte{}
	}

	body := m.appendBody(nil)
	b := make([]byte, 0, len(body)+protowire.SizeTag(m.field())+protowire.SizeVarint(uint64(len(body))))
	b = protowire.AppendTag(b, m.field(), protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// Decode parses one envelope. When several variants are present the last
// one wins, as protobuf oneof semantics require.
func Decode(b []byte) (Message, error) {
	var out Message = &Unknown{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m := newVariant(num)
		if m == nil || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if _, isUnknown := out.(*Unknown); isUnknown {
				out = &Unknown{Field: num}
			}
			continue
		}

		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if err := m.decodeBody(body); err != nil {
			return nil, err
		}
		out = m
	}

	return out, nil
}

func newVariant(num protowire.Number) Message {
	switch num {
	case fieldWelcome:
		return &Welcome{}
	case fieldPeerJoin:
		return &PeerJoin{}
	case fieldPeerLeave:
		return &PeerLeave{}
	case fieldPeerUpdate:
		return &PeerUpdate{}
	case fieldChallenge:
		return &Challenge{}
	case fieldSignedChallenge:
		return &SignedChallenge{}
	case fieldPeerIdentification:
		return &PeerIdentification{}
	case fieldPeerKicked:
		return &PeerKicked{}
	default:
		return nil
	}
}

func (*Welcome) field() protowire.Number            { return fieldWelcome }
func (*PeerJoin) field() protowire.Number           { return fieldPeerJoin }
func (*PeerLeave) field() protowire.Number          { return fieldPeerLeave }
func (*PeerUpdate) field() protowire.Number         { return fieldPeerUpdate }
func (*Challenge) field() protowire.Number          { return fieldChallenge }
func (*SignedChallenge) field() protowire.Number    { return fieldSignedChallenge }
func (*PeerIdentification) field() protowire.Number { return fieldPeerIdentification }
func (*PeerKicked) field() protowire.Number         { return fieldPeerKicked }
func (u *Unknown) field() protowire.Number          { return u.Field }

func (u *Unknown) appendBody(b []byte) []byte { return b }
func (u *Unknown) decodeBody([]byte) error    { return nil }

// Name returns the protocol name of the variant, for logs.
func Name(m Message) string {
	switch m.(type) {
	case *Welcome:
		return "welcomeMessage"
	case *PeerJoin:
		return "peerJoinMessage"
	case *PeerLeave:
		return "peerLeaveMessage"
	case *PeerUpdate:
		return "peerUpdateMessage"
	case *Challenge:
		return "challengeMessage"
	case *SignedChallenge:
		return "signedChallengeForServer"
	case *PeerIdentification:
		return "peerIdentification"
	case *PeerKicked:
		return "peerKicked"
	default:
		return "unknown"
	}
}
