package message

import (
	"errors"
	"fmt"

	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/internal/util"
)

// ErrParameters is returned when a payload is not a CBOR map with
// integer keys.
var ErrParameters = errors.New("payload is not a parameter map")

// Message is a request or a reply travelling through a transport binding.
type Message interface {
	// Code is the reply code; requests carry OK.
	Code() Code
	RawPayload() []byte
	// SenderID is the authenticated identity of the peer, empty when the
	// peer is not authenticated.
	SenderID() string
	// Parameters decodes the payload as a CBOR map with integer keys.
	Parameters() (map[int64]codec.RawMessage, error)
	SuccessReply(code Code, payload []byte) Message
	FailReply(code Code, payload []byte) Message
}

// Local is the in-process Message implementation. Transport bindings wrap
// their wire requests in it.
type Local struct {
	code    Code
	payload []byte
	sender  string
}

var _ Message = (*Local)(nil)

// NewRequest returns a request carrying payload from sender.
func NewRequest(payload []byte, sender string) *Local {
	return &Local{code: OK, payload: util.CopyBytes(payload), sender: sender}
}

func (m *Local) Code() Code         { return m.code }
func (m *Local) RawPayload() []byte { return m.payload }
func (m *Local) SenderID() string   { return m.sender }

func (m *Local) Parameters() (map[int64]codec.RawMessage, error) {
	return Parameters(m.payload)
}

func (m *Local) SuccessReply(code Code, payload []byte) Message {
	return &Local{code: code, payload: util.CopyBytes(payload), sender: m.sender}
}

func (m *Local) FailReply(code Code, payload []byte) Message {
	return &Local{code: code, payload: util.CopyBytes(payload), sender: m.sender}
}

// Parameters decodes a CBOR map with integer keys.
func Parameters(payload []byte) (map[int64]codec.RawMessage, error) {
	if k, err := codec.Classify(payload); err != nil || k != codec.KindMap {
		return nil, ErrParameters
	}
	var m map[int64]codec.RawMessage
	if err := codec.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParameters, err)
	}
	return m, nil
}
