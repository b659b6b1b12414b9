package icrypto

import "github.com/jmcleod/acers/internal/util"

const snapshotKeyInfo = "acers:snapshot-key:v1"

// DeriveSnapshotKey derives the AES-256 key sealing the records of one
// snapshot bucket from the configured storage secret.
func DeriveSnapshotKey(secret []byte, bucket string) ([]byte, error) {
	return util.HKDF(secret, []byte(bucket), []byte(snapshotKeyInfo), util.AESKeySize)
}
