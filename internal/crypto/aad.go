// Package icrypto holds the key derivation and associated-data helpers used
// to seal persisted token snapshots.
package icrypto

import (
	"encoding/binary"
)

const aadSnapshotRecord = "SNAPSHOT-RECORD"

// AADSnapshotRecord binds a sealed record to its bucket and position so
// that records cannot be swapped between snapshots or reordered.
func AADSnapshotRecord(bucket string, index uint64, ver int) []byte {
	return buildAAD(aadSnapshotRecord, bucket, index, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
