package dtls

import (
	"errors"
	"fmt"

	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/message"
)

// ErrFrame is returned for datagrams that are not a request frame.
var ErrFrame = errors.New("malformed request frame")

// Request is one datagram: a CBOR array [method, path, payload].
type Request struct {
	Method  string
	Path    string
	Payload []byte
}

// DecodeRequest parses a request datagram.
func DecodeRequest(data []byte) (Request, error) {
	if k, err := codec.Classify(data); err != nil || k != codec.KindArray {
		return Request{}, ErrFrame
	}
	var parts []codec.RawMessage
	if err := codec.Unmarshal(data, &parts); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrFrame, err)
	}
	if len(parts) != 3 {
		return Request{}, fmt.Errorf("%w: %d elements", ErrFrame, len(parts))
	}
	var req Request
	if err := codec.Unmarshal(parts[0], &req.Method); err != nil {
		return Request{}, fmt.Errorf("%w: method: %w", ErrFrame, err)
	}
	if err := codec.Unmarshal(parts[1], &req.Path); err != nil {
		return Request{}, fmt.Errorf("%w: path: %w", ErrFrame, err)
	}
	if k, _ := codec.Classify(parts[2]); k != codec.KindBytes {
		return Request{}, fmt.Errorf("%w: payload is not a byte string", ErrFrame)
	}
	if err := codec.Unmarshal(parts[2], &req.Payload); err != nil {
		return Request{}, fmt.Errorf("%w: payload: %w", ErrFrame, err)
	}
	return req, nil
}

// Encode returns the request datagram.
func (r Request) Encode() ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	return codec.Marshal([]any{r.Method, r.Path, payload})
}

// Reply is one response datagram: a CBOR array [coap-code, payload].
type Reply struct {
	Code    message.Code
	Payload []byte
}

// Encode returns the reply datagram.
func (r Reply) Encode() ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	return codec.Marshal([]any{r.Code.CoAP(), payload})
}

// DecodeReply parses a reply datagram.
func DecodeReply(data []byte) (Reply, error) {
	var parts []codec.RawMessage
	if err := codec.Unmarshal(data, &parts); err != nil || len(parts) != 2 {
		return Reply{}, ErrFrame
	}
	var raw uint8
	if err := codec.Unmarshal(parts[0], &raw); err != nil {
		return Reply{}, fmt.Errorf("%w: code: %w", ErrFrame, err)
	}
	code, ok := message.FromCoAP(raw)
	if !ok {
		return Reply{}, fmt.Errorf("%w: unknown code %#x", ErrFrame, raw)
	}
	var payload []byte
	if err := codec.Unmarshal(parts[1], &payload); err != nil {
		return Reply{}, fmt.Errorf("%w: payload: %w", ErrFrame, err)
	}
	return Reply{Code: code, Payload: payload}, nil
}
