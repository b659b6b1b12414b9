// Package message is the request/reply envelope exchanged between the
// transport bindings and the authorization core.
package message

import (
	"fmt"
	"net/http"
)

// Code is a reply code. The set is the CoAP response codes the resource
// server uses; each binding translates it to its own wire form.
type Code int

const (
	OK Code = iota
	Created
	BadRequest
	Unauthorized
	Forbidden
	NotFound
	MethodNotAllowed
	NotAcceptable
	UnsupportedContentFormat
	InternalServerError
	NotImplemented
)

var codeTable = []struct {
	name string
	coap byte
	http int
}{
	OK:                       {"OK", 0x45, http.StatusOK},
	Created:                  {"Created", 0x41, http.StatusCreated},
	BadRequest:               {"BadRequest", 0x80, http.StatusBadRequest},
	Unauthorized:             {"Unauthorized", 0x81, http.StatusUnauthorized},
	Forbidden:                {"Forbidden", 0x83, http.StatusForbidden},
	NotFound:                 {"NotFound", 0x84, http.StatusNotFound},
	MethodNotAllowed:         {"MethodNotAllowed", 0x85, http.StatusMethodNotAllowed},
	NotAcceptable:            {"NotAcceptable", 0x86, http.StatusNotAcceptable},
	UnsupportedContentFormat: {"UnsupportedContentFormat", 0x8f, http.StatusUnsupportedMediaType},
	InternalServerError:      {"InternalServerError", 0xa0, http.StatusInternalServerError},
	NotImplemented:           {"NotImplemented", 0xa1, http.StatusNotImplemented},
}

func (c Code) valid() bool {
	return c >= 0 && int(c) < len(codeTable)
}

func (c Code) String() string {
	if !c.valid() {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeTable[c].name
}

// CoAP returns the code byte (class << 5 | detail).
func (c Code) CoAP() byte {
	if !c.valid() {
		return codeTable[InternalServerError].coap
	}
	return codeTable[c].coap
}

// HTTP returns the equivalent HTTP status.
func (c Code) HTTP() int {
	if !c.valid() {
		return http.StatusInternalServerError
	}
	return codeTable[c].http
}

// Success reports whether c is a 2.xx code.
func (c Code) Success() bool {
	return c == OK || c == Created
}

// FromCoAP maps a CoAP code byte back to a Code.
func FromCoAP(b byte) (Code, bool) {
	for c, e := range codeTable {
		if e.coap == b {
			return Code(c), true
		}
	}
	return 0, false
}

// FromHTTP maps an HTTP status to a Code. Statuses without an equivalent
// map to InternalServerError.
func FromHTTP(status int) Code {
	for c, e := range codeTable {
		if e.http == status {
			return Code(c)
		}
	}
	if status >= 200 && status < 300 {
		return OK
	}
	return InternalServerError
}
