package cose

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jmcleod/acers/internal/codec"
)

// Algorithm identifiers.
const (
	AlgA128GCM          int64 = 1
	AlgA192GCM          int64 = 2
	AlgA256GCM          int64 = 3
	AlgHMAC256_64       int64 = 4
	AlgHMAC256          int64 = 5
	AlgHMAC384          int64 = 6
	AlgHMAC512          int64 = 7
	AlgChaCha20Poly1305 int64 = 24
	AlgES256            int64 = -7
	AlgEdDSA            int64 = -8
	AlgES384            int64 = -35
	AlgES512            int64 = -36
)

type macAlg struct {
	hash    func() hash.Hash
	keySize int
	tagSize int
}

func macFor(alg int64) (macAlg, error) {
	switch alg {
	case AlgHMAC256_64:
		return macAlg{sha256.New, 32, 8}, nil
	case AlgHMAC256:
		return macAlg{sha256.New, 32, 32}, nil
	case AlgHMAC384:
		return macAlg{sha512.New384, 48, 48}, nil
	case AlgHMAC512:
		return macAlg{sha512.New, 64, 64}, nil
	}
	return macAlg{}, fmt.Errorf("%w: MAC algorithm %d", ErrUnsupportedAlgorithm, alg)
}

func (m macAlg) sum(key, data []byte) []byte {
	h := hmac.New(m.hash, key)
	h.Write(data)
	return h.Sum(nil)[:m.tagSize]
}

// sigAlg names the curve an ECDSA algorithm signs over; it is nil for
// EdDSA.
type sigAlg struct {
	curve elliptic.Curve
}

func signatureFor(alg int64) (sigAlg, error) {
	switch alg {
	case AlgES256:
		return sigAlg{elliptic.P256()}, nil
	case AlgES384:
		return sigAlg{elliptic.P384()}, nil
	case AlgES512:
		return sigAlg{elliptic.P521()}, nil
	case AlgEdDSA:
		return sigAlg{}, nil
	}
	return sigAlg{}, fmt.Errorf("%w: signature algorithm %d", ErrUnsupportedAlgorithm, alg)
}

// fits reports whether key k, public or private, belongs to the algorithm.
func (a sigAlg) fits(k any) bool {
	switch k := k.(type) {
	case ed25519.PublicKey, ed25519.PrivateKey:
		return a.curve == nil
	case *ecdsa.PublicKey:
		return a.curve != nil && k.Curve == a.curve
	case *ecdsa.PrivateKey:
		return a.curve != nil && k.Curve == a.curve
	}
	return false
}

type aeadAlg struct {
	keySize int
	build   func(key []byte) (cipher.AEAD, error)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func aeadFor(alg int64) (aeadAlg, error) {
	switch alg {
	case AlgA128GCM:
		return aeadAlg{16, newGCM}, nil
	case AlgA192GCM:
		return aeadAlg{24, newGCM}, nil
	case AlgA256GCM:
		return aeadAlg{32, newGCM}, nil
	case AlgChaCha20Poly1305:
		return aeadAlg{chacha20poly1305.KeySize, chacha20poly1305.New}, nil
	}
	return aeadAlg{}, fmt.Errorf("%w: content encryption algorithm %d", ErrUnsupportedAlgorithm, alg)
}

// kdfContext builds the COSE_KDF_Context used as HKDF info.
func kdfContext(alg int64, size int, protected []byte) ([]byte, error) {
	party := []any{nil, nil, nil}
	return codec.Marshal([]any{
		alg,
		party,
		party,
		[]any{size * 8, protected},
	})
}
