package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/acers/internal/util"
)

var (
	// ErrMissingKeyID is returned when a key carries no identifier.
	ErrMissingKeyID = errors.New("key id missing")
	// ErrNoSecret is returned when a key holds no secret material.
	ErrNoSecret = errors.New("key has no secret material")
	// ErrDestroyed is returned when a destroyed key is used.
	ErrDestroyed = errors.New("key destroyed")
)

// Key is a proof-of-possession key. Symmetric keys expose their secret;
// asymmetric keys expose their public half and, when present, the private
// scalar as secret.
type Key interface {
	ID() ID
	Type() Type
	// Algorithm returns the COSE algorithm the key is restricted to, if any.
	Algorithm() (int64, bool)
	// Secret returns a copy of the secret material.
	Secret() ([]byte, error)
	// Public returns the public key of an asymmetric key, nil otherwise.
	Public() crypto.PublicKey
	Copy() Key
	// Destroy drops the secret material. The key must not be used afterwards.
	Destroy()
}

type key struct {
	keyID   ID
	keyType Type
	alg     int64
	hasAlg  bool
	curve   Curve
	public  crypto.PublicKey
	secret  *memguard.Enclave
}

func (k *key) ID() ID {
	return ID(util.CopyBytes(k.keyID))
}

func (k *key) Type() Type {
	return k.keyType
}

func (k *key) Algorithm() (int64, bool) {
	return k.alg, k.hasAlg
}

func (k *key) Public() crypto.PublicKey {
	return k.public
}

func (k *key) Secret() ([]byte, error) {
	if k.secret == nil {
		return nil, ErrNoSecret
	}
	buf, err := k.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}

func (k *key) Copy() Key {
	c := *k
	c.keyID = ID(util.CopyBytes(k.keyID))
	if k.secret != nil {
		if secret, err := k.Secret(); err == nil {
			c.secret = memguard.NewEnclave(secret)
		}
	}
	return &c
}

func (k *key) Destroy() {
	k.secret = nil
}

// Option configures a key built by one of the constructors.
type Option func(*key)

// WithAlgorithm restricts the key to a COSE algorithm.
func WithAlgorithm(alg int64) Option {
	return func(k *key) {
		k.alg = alg
		k.hasAlg = true
	}
}

func newKey(id ID, t Type, secret []byte, opts ...Option) (*key, error) {
	if len(id) == 0 {
		return nil, ErrMissingKeyID
	}
	k := &key{keyID: ID(util.CopyBytes(id)), keyType: t}
	if len(secret) > 0 {
		// NewEnclave wipes its argument.
		k.secret = memguard.NewEnclave(util.CopyBytes(secret))
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// FromSymmetric wraps secret as a symmetric key.
func FromSymmetric(id ID, secret []byte, opts ...Option) (Key, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return newKey(id, Symmetric, secret, opts...)
}

// NewSymmetricKey generates a random 256-bit symmetric key.
func NewSymmetricKey(id ID, opts ...Option) (Key, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating symmetric key: %w", err)
	}
	defer util.WipeBytes(raw)
	return FromSymmetric(id, raw, opts...)
}

// FromPublic wraps an Ed25519 or ECDSA public key.
func FromPublic(id ID, pub crypto.PublicKey, opts ...Option) (Key, error) {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		k, err := newKey(id, OKP, nil, opts...)
		if err != nil {
			return nil, err
		}
		k.curve, k.public = Ed25519, p
		return k, nil
	case *ecdsa.PublicKey:
		crv, err := curveOf(p.Curve)
		if err != nil {
			return nil, err
		}
		k, err := newKey(id, EC2, nil, opts...)
		if err != nil {
			return nil, err
		}
		k.curve, k.public = crv, p
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, pub)
	}
}

// FromPrivate wraps an Ed25519 or ECDSA private key.
func FromPrivate(id ID, priv crypto.Signer, opts ...Option) (Key, error) {
	var (
		secret []byte
		err    error
	)
	switch p := priv.(type) {
	case ed25519.PrivateKey:
		secret = p.Seed()
	case *ecdsa.PrivateKey:
		secret, err = p.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding private key: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, priv)
	}
	defer util.WipeBytes(secret)

	k, err := FromPublic(id, priv.Public(), opts...)
	if err != nil {
		return nil, err
	}
	kk := k.(*key)
	kk.secret = memguard.NewEnclave(util.CopyBytes(secret))
	return kk, nil
}

// Signer returns the private key of an asymmetric key holding secret
// material.
func Signer(k Key) (crypto.Signer, error) {
	secret, err := k.Secret()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(secret)

	switch pub := k.Public().(type) {
	case ed25519.PublicKey:
		if len(secret) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: bad Ed25519 seed", ErrMalformed)
		}
		return ed25519.NewKeyFromSeed(secret), nil
	case *ecdsa.PublicKey:
		priv, err := ecdsa.ParseRawPrivateKey(pub.Curve, secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: %s cannot sign", ErrUnknownType, k.Type())
	}
}
