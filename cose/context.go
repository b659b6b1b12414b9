// Package cose verifies and produces the COSE_Mac0, COSE_Sign1 and
// COSE_Encrypt0 messages that carry CBOR Web Tokens and encrypted
// confirmation keys.
package cose

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/jmcleod/acers/internal/util"
)

var (
	// ErrVerification is returned when a message fails MAC, signature or
	// AEAD verification, or is protected with another algorithm than the
	// context expects.
	ErrVerification = errors.New("cose: verification failed")
	// ErrUnsupportedAlgorithm is returned for algorithms and key-wrap
	// modes this package does not implement.
	ErrUnsupportedAlgorithm = errors.New("cose: unsupported algorithm")
	// ErrMalformed is returned when bytes are not a COSE message of the
	// expected structure.
	ErrMalformed = errors.New("cose: malformed message")
	// ErrKey is returned when the context lacks the key an operation needs.
	ErrKey = errors.New("cose: unsuitable key")
)

// MessageType is the COSE structure a context protects tokens with.
type MessageType int

const (
	Encrypt0 MessageType = 16
	MAC0     MessageType = 17
	Sign1    MessageType = 18
)

func (t MessageType) String() string {
	switch t {
	case Encrypt0:
		return "Encrypt0"
	case MAC0:
		return "MAC0"
	case Sign1:
		return "Sign1"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// ParseMessageType parses the names returned by String.
func ParseMessageType(s string) (MessageType, error) {
	switch s {
	case "Encrypt0", "encrypt0":
		return Encrypt0, nil
	case "MAC0", "mac0":
		return MAC0, nil
	case "Sign1", "sign1":
		return Sign1, nil
	}
	return 0, fmt.Errorf("%w: message type %q", ErrUnsupportedAlgorithm, s)
}

// Key-wrap modes for messages without recipients.
const (
	Direct           int64 = -6
	DirectHKDFSHA256 int64 = -10
)

// Context is a fixed crypto configuration: which structure tokens use, the
// algorithm and key-wrap mode, and the key material.
type Context struct {
	typ         MessageType
	alg         int64
	keyWrap     int64
	secret      []byte
	verifier    crypto.PublicKey
	signer      crypto.Signer
	keyID       []byte
	externalAAD []byte
}

// Option configures a Context.
type Option func(*Context)

// WithKeyWrap selects the key-wrap mode. Direct is the default.
func WithKeyWrap(kw int64) Option {
	return func(c *Context) {
		c.keyWrap = kw
	}
}

// WithKeyID puts kid into the unprotected header of created messages.
func WithKeyID(kid []byte) Option {
	return func(c *Context) {
		c.keyID = util.CopyBytes(kid)
	}
}

// WithExternalAAD sets externally supplied authenticated data.
func WithExternalAAD(aad []byte) Option {
	return func(c *Context) {
		c.externalAAD = util.CopyBytes(aad)
	}
}

// WithSigner sets the private key used by CreateSign1.
func WithSigner(s crypto.Signer) Option {
	return func(c *Context) {
		c.signer = s
		if c.verifier == nil {
			c.verifier = s.Public()
		}
	}
}

func newContext(typ MessageType, alg int64, opts []Option) (*Context, error) {
	c := &Context{typ: typ, alg: alg, keyWrap: Direct}
	for _, opt := range opts {
		opt(c)
	}
	if c.keyWrap != Direct && c.keyWrap != DirectHKDFSHA256 {
		return nil, fmt.Errorf("%w: key wrap %d", ErrUnsupportedAlgorithm, c.keyWrap)
	}
	return c, nil
}

// NewMAC0 returns a context for COSE_Mac0 messages authenticated with a
// shared secret.
func NewMAC0(alg int64, secret []byte, opts ...Option) (*Context, error) {
	if _, err := macFor(alg); err != nil {
		return nil, err
	}
	c, err := newContext(MAC0, alg, opts)
	if err != nil {
		return nil, err
	}
	c.secret = util.CopyBytes(secret)
	return c, nil
}

// NewSign1 returns a context for COSE_Sign1 messages verified with pub.
// Use WithSigner to also create messages.
func NewSign1(alg int64, pub crypto.PublicKey, opts ...Option) (*Context, error) {
	if _, err := signatureFor(alg); err != nil {
		return nil, err
	}
	c, err := newContext(Sign1, alg, opts)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		c.verifier = pub
	}
	if c.verifier == nil {
		return nil, fmt.Errorf("%w: no verification key", ErrKey)
	}
	return c, nil
}

// NewEncrypt0 returns a context for COSE_Encrypt0 messages.
func NewEncrypt0(alg int64, secret []byte, opts ...Option) (*Context, error) {
	if _, err := aeadFor(alg); err != nil {
		return nil, err
	}
	c, err := newContext(Encrypt0, alg, opts)
	if err != nil {
		return nil, err
	}
	c.secret = util.CopyBytes(secret)
	return c, nil
}

// Type returns the message type the context handles.
func (c *Context) Type() MessageType {
	return c.typ
}

// Algorithm returns the content algorithm.
func (c *Context) Algorithm() int64 {
	return c.alg
}

// contentKey returns the key used by the content algorithm, derived from
// the shared secret when the key wrap is HKDF.
func (c *Context) contentKey(size int, protected []byte) ([]byte, error) {
	if len(c.secret) == 0 {
		return nil, fmt.Errorf("%w: no shared secret", ErrKey)
	}
	if c.keyWrap == Direct {
		if len(c.secret) != size && c.typ == Encrypt0 {
			return nil, fmt.Errorf("%w: need %d byte key, have %d", ErrKey, size, len(c.secret))
		}
		return c.secret, nil
	}
	info, err := kdfContext(c.alg, size, protected)
	if err != nil {
		return nil, err
	}
	return util.HKDF(c.secret, nil, info, size)
}
