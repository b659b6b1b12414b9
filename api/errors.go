package api

import (
	"net/http"

	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/message"
)

// writeReply sends a message reply. Payloads are CBOR: an error map, an
// AS-info map, or an admission result.
func writeReply(w http.ResponseWriter, code message.Code, payload []byte) {
	if len(payload) > 0 {
		w.Header().Set("Content-Type", introspect.ContentType)
	}
	w.WriteHeader(code.HTTP())
	if len(payload) > 0 {
		w.Write(payload)
	}
}

func writeError(w http.ResponseWriter, code message.Code, ec message.ErrorCode, desc string) {
	writeReply(w, code, message.ErrorPayload(ec, desc))
}
