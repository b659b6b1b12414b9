package key

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

const peerNamePrefix = "ni:///sha-256;"

// PeerName returns the name under which a transport authenticates a peer
// presenting pub as a raw public key: a named-information URI over the
// SHA-256 digest of the SubjectPublicKeyInfo.
func PeerName(pub crypto.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return peerNamePrefix + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
