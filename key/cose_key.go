package key

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"errors"
	"fmt"

	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/internal/util"
)

// ErrMalformed is returned when a COSE_Key cannot be decoded.
var ErrMalformed = errors.New("malformed COSE_Key")

// COSE_Key parameter labels.
const (
	labelKty = 1
	labelKid = 2
	labelAlg = 3
	labelK   = -1
	labelCrv = -1
	labelX   = -2
	labelY   = -3
	labelD   = -4
)

// Curve is a COSE elliptic curve identifier.
type Curve int64

const (
	P256    Curve = 1
	P384    Curve = 2
	P521    Curve = 3
	Ed25519 Curve = 6
)

func curveOf(c elliptic.Curve) (Curve, error) {
	switch c {
	case elliptic.P256():
		return P256, nil
	case elliptic.P384():
		return P384, nil
	case elliptic.P521():
		return P521, nil
	}
	return 0, fmt.Errorf("%w: unsupported curve %s", ErrUnknownType, c.Params().Name)
}

func (c Curve) elliptic() (elliptic.Curve, error) {
	switch c {
	case P256:
		return elliptic.P256(), nil
	case P384:
		return elliptic.P384(), nil
	case P521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("%w: unsupported EC2 curve %d", ErrUnknownType, c)
}

type params map[int64]codec.RawMessage

func (p params) int(label int64) (int64, bool, error) {
	v, ok := p[label]
	if !ok {
		return 0, false, nil
	}
	var n int64
	if k, _ := codec.Classify(v); k != codec.KindUnsigned && k != codec.KindNegative {
		return 0, false, fmt.Errorf("%w: parameter %d is %s", ErrMalformed, label, k)
	}
	if err := codec.Unmarshal(v, &n); err != nil {
		return 0, false, fmt.Errorf("%w: parameter %d: %w", ErrMalformed, label, err)
	}
	return n, true, nil
}

func (p params) bytes(label int64) ([]byte, bool, error) {
	v, ok := p[label]
	if !ok {
		return nil, false, nil
	}
	var b []byte
	if k, _ := codec.Classify(v); k != codec.KindBytes {
		return nil, false, fmt.Errorf("%w: parameter %d is %s", ErrMalformed, label, k)
	}
	if err := codec.Unmarshal(v, &b); err != nil {
		return nil, false, fmt.Errorf("%w: parameter %d: %w", ErrMalformed, label, err)
	}
	return b, true, nil
}

// Parse decodes a COSE_Key. The key id is mandatory.
func Parse(data []byte) (Key, error) {
	var p params
	if k, err := codec.Classify(data); err != nil || k != codec.KindMap {
		return nil, fmt.Errorf("%w: not a map", ErrMalformed)
	}
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	kty, ok, err := p.int(labelKty)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: kty missing", ErrMalformed)
	}
	kid, ok, err := p.bytes(labelKid)
	if err != nil {
		return nil, err
	}
	if !ok || len(kid) == 0 {
		return nil, ErrMissingKeyID
	}

	var opts []Option
	alg, ok, err := p.int(labelAlg)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, WithAlgorithm(alg))
	}

	switch Type(kty) {
	case Symmetric:
		secret, ok, err := p.bytes(labelK)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: symmetric key without k", ErrMalformed)
		}
		defer util.WipeBytes(secret)
		return FromSymmetric(ID(kid), secret, opts...)
	case OKP:
		return parseOKP(p, ID(kid), opts)
	case EC2:
		return parseEC2(p, ID(kid), opts)
	default:
		return nil, fmt.Errorf("%w: kty %d", ErrUnknownType, kty)
	}
}

func parseOKP(p params, kid ID, opts []Option) (Key, error) {
	crv, _, err := p.int(labelCrv)
	if err != nil {
		return nil, err
	}
	if Curve(crv) != Ed25519 {
		return nil, fmt.Errorf("%w: unsupported OKP curve %d", ErrUnknownType, crv)
	}
	x, ok, err := p.bytes(labelX)
	if err != nil {
		return nil, err
	}
	if !ok || len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad Ed25519 public key", ErrMalformed)
	}
	d, ok, err := p.bytes(labelD)
	if err != nil {
		return nil, err
	}
	if ok {
		defer util.WipeBytes(d)
		if len(d) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: bad Ed25519 seed", ErrMalformed)
		}
		return FromPrivate(kid, ed25519.NewKeyFromSeed(d), opts...)
	}
	return FromPublic(kid, ed25519.PublicKey(x), opts...)
}

func parseEC2(p params, kid ID, opts []Option) (Key, error) {
	crv, _, err := p.int(labelCrv)
	if err != nil {
		return nil, err
	}
	curve, err := Curve(crv).elliptic()
	if err != nil {
		return nil, err
	}
	x, okX, err := p.bytes(labelX)
	if err != nil {
		return nil, err
	}
	y, okY, err := p.bytes(labelY)
	if err != nil {
		return nil, err
	}
	if !okX || !okY {
		return nil, fmt.Errorf("%w: EC2 key needs x and y", ErrMalformed)
	}
	point := append([]byte{4}, x...)
	point = append(point, y...)
	pub, err := ecdsa.ParseUncompressedPublicKey(curve, point)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	d, ok, err := p.bytes(labelD)
	if err != nil {
		return nil, err
	}
	if ok {
		defer util.WipeBytes(d)
		priv, err := ecdsa.ParseRawPrivateKey(curve, d)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if !priv.PublicKey.Equal(pub) {
			return nil, fmt.Errorf("%w: private key does not match x and y", ErrMalformed)
		}
		return FromPrivate(kid, priv, opts...)
	}
	return FromPublic(kid, pub, opts...)
}

// Marshal encodes k as a COSE_Key including its secret material.
func Marshal(k Key) ([]byte, error) {
	return marshal(k, true)
}

// MarshalPublic encodes k as a COSE_Key without secret material.
func MarshalPublic(k Key) ([]byte, error) {
	return marshal(k, false)
}

func marshal(k Key, withSecret bool) ([]byte, error) {
	m := map[int64]any{
		labelKty: int64(k.Type()),
		labelKid: []byte(k.ID()),
	}
	if alg, ok := k.Algorithm(); ok {
		m[labelAlg] = alg
	}

	secret, err := k.Secret()
	switch {
	case errors.Is(err, ErrNoSecret):
		secret = nil
	case err != nil:
		return nil, err
	}
	defer util.WipeBytes(secret)

	switch pub := k.Public().(type) {
	case nil:
		if !withSecret {
			return nil, fmt.Errorf("%w: symmetric key has no public form", ErrUnknownType)
		}
		m[labelK] = secret
	case ed25519.PublicKey:
		m[labelCrv] = int64(Ed25519)
		m[labelX] = []byte(pub)
	case *ecdsa.PublicKey:
		crv, err := curveOf(pub.Curve)
		if err != nil {
			return nil, err
		}
		point, err := pub.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding public key: %w", err)
		}
		size := (len(point) - 1) / 2
		m[labelCrv] = int64(crv)
		m[labelX] = point[1 : 1+size]
		m[labelY] = point[1+size:]
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, pub)
	}
	if withSecret && secret != nil && k.Type().Asymmetric() {
		m[labelD] = secret
	}
	return codec.Marshal(m)
}
