package authzinfo

import (
	"errors"
	"fmt"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cnf"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/tokenstore"
)

var (
	// ErrNoIntrospector is returned for reference tokens when no
	// introspection endpoint is configured.
	ErrNoIntrospector = errors.New("no introspection handler configured")
	// ErrNoCryptoContext is returned for self-contained tokens when the
	// server has no crypto context.
	ErrNoCryptoContext = errors.New("no crypto context configured")
)

// Failure is a rejected admission: the reply code, the optional error
// payload, and the underlying cause.
type Failure struct {
	Code        message.Code
	ErrorCode   message.ErrorCode
	Description string
	Err         error

	// upstream marks a failure reported by the authorization server.
	upstream bool
}

func (f *Failure) Error() string {
	msg := f.Code.String()
	if f.Description != "" {
		msg += ": " + f.Description
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Payload returns the CBOR error payload, nil when the failure carries no
// error code.
func (f *Failure) Payload() []byte {
	if f.ErrorCode == 0 {
		return nil
	}
	return message.ErrorPayload(f.ErrorCode, f.Description)
}

// Rejected reports whether err refuses the token itself: a 4.xx failure
// caused by what the client sent. Internal errors and failures reported
// by the authorization server are not rejections.
func Rejected(err error) bool {
	var f *Failure
	if !errors.As(err, &f) || f.upstream {
		return false
	}
	status := f.Code.HTTP()
	return status >= 400 && status < 500
}

func fail(code message.Code, ec message.ErrorCode, desc string, err error) *Failure {
	return &Failure{Code: code, ErrorCode: ec, Description: desc, Err: err}
}

func internal(err error) *Failure {
	return &Failure{Code: message.InternalServerError, Err: err}
}

// introspectionFailure surfaces the authorization server's code when the
// collaborator reported one.
func introspectionFailure(err error) *Failure {
	if e, ok := introspect.AsError(err); ok {
		f := fail(e.Code, message.InvalidRequest, e.Description, err)
		f.upstream = true
		return f
	}
	return internal(fmt.Errorf("introspection: %w", err))
}

// claimFailure maps a malformed claim to a bad request.
func claimFailure(ec message.ErrorCode, missing, malformed string, err error) *Failure {
	if errors.Is(err, claims.ErrMissing) {
		return fail(message.BadRequest, ec, missing, err)
	}
	return fail(message.BadRequest, ec, malformed, err)
}

// storeFailure maps a token store rejection.
func storeFailure(err error) *Failure {
	switch {
	case errors.Is(err, tokenstore.ErrDuplicateToken):
		return fail(message.BadRequest, message.InvalidRequest, "Duplicate token identifier", err)
	case errors.Is(err, tokenstore.ErrMissingScope):
		return fail(message.BadRequest, message.InvalidScope, "Token has no scope", err)
	case errors.Is(err, tokenstore.ErrMissingConfirmation):
		return fail(message.BadRequest, message.InvalidRequest, "Token has no confirmation key", err)
	case errors.Is(err, cnf.ErrUnknownKeyID):
		return fail(message.BadRequest, message.InvalidRequest, "Unknown key identifier", err)
	case errors.Is(err, cnf.ErrMissingKeyID):
		return fail(message.BadRequest, message.InvalidRequest, "Confirmation key has no key identifier", err)
	case errors.Is(err, cnf.ErrDecrypt):
		return fail(message.BadRequest, message.InvalidRequest, "Confirmation key could not be decrypted", err)
	case errors.Is(err, tokenstore.ErrKeyConflict):
		return fail(message.BadRequest, message.InvalidRequest, "Key identifier already in use", err)
	case errors.Is(err, cnf.ErrMalformed),
		errors.Is(err, claims.ErrConfirmation),
		errors.Is(err, claims.ErrWrongType):
		return fail(message.BadRequest, message.InvalidRequest, "Malformed token", err)
	default:
		return internal(err)
	}
}
