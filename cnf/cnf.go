// Package cnf resolves the confirmation claim of an access token into the
// key the token is bound to.
package cnf

import (
	"errors"
	"fmt"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cose"
	"github.com/jmcleod/acers/key"
)

var (
	ErrMissingKeyID = errors.New("confirmation key has no key id")
	ErrUnknownKeyID = errors.New("confirmation references an unknown key id")
	ErrDecrypt      = errors.New("confirmation key could not be decrypted")
	ErrMalformed    = errors.New("malformed confirmation key")
)

// Resolution is the outcome of resolving a confirmation claim.
type Resolution struct {
	KeyID key.ID
	// Key is set when the confirmation carried key material.
	Key key.Key
	// Subjects are the names that identify a peer holding the key.
	Subjects []string
}

// Resolver resolves confirmation claims. Encrypted keys are decrypted
// with the server's crypto context.
type Resolver struct {
	ctx *cose.Context
}

// NewResolver returns a Resolver. ctx may be nil, in which case every
// encrypted confirmation key fails to resolve.
func NewResolver(ctx *cose.Context) *Resolver {
	return &Resolver{ctx: ctx}
}

// Resolve turns conf into a key binding. subject is the authenticated
// name of the peer submitting the token, if any; known reports whether a
// key id is already held by the store.
func (r *Resolver) Resolve(conf claims.Confirmation, subject string, known func(key.ID) bool) (Resolution, error) {
	switch c := conf.(type) {
	case claims.PlainKey:
		return r.plain(c.Key, subject)
	case claims.EncryptedKey:
		if r.ctx == nil || r.ctx.Type() != cose.Encrypt0 {
			return Resolution{}, fmt.Errorf("%w: no decryption context", ErrDecrypt)
		}
		plain, err := cose.Process(c.Message, r.ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %w", ErrDecrypt, err)
		}
		return r.plain(plain, subject)
	case claims.KeyReference:
		kid := key.ID(c.KeyID)
		if len(kid) == 0 {
			return Resolution{}, ErrMissingKeyID
		}
		if known == nil || !known(kid) {
			return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
		}
		return Resolution{KeyID: kid, Subjects: []string{subjectOr(subject, kid)}}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: %T", ErrMalformed, conf)
	}
}

func (r *Resolver) plain(data []byte, subject string) (Resolution, error) {
	k, err := key.Parse(data)
	switch {
	case errors.Is(err, key.ErrMissingKeyID):
		return Resolution{}, ErrMissingKeyID
	case err != nil:
		return Resolution{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	res := Resolution{KeyID: k.ID(), Key: k}
	if k.Type().Asymmetric() {
		name, err := key.PeerName(k.Public())
		if err != nil {
			k.Destroy()
			return Resolution{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		res.Subjects = []string{name}
		return res, nil
	}
	res.Subjects = []string{subjectOr(subject, res.KeyID)}
	return res, nil
}

func subjectOr(subject string, kid key.ID) string {
	if subject != "" {
		return subject
	}
	return kid.String()
}
