package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/acers/authzinfo"
	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/message"
)

// maxTokenSize bounds the authz-info request body.
const maxTokenSize = 64 << 10

// AuthzInfo admits the access token in the request body.
func (a *API) AuthzInfo(w http.ResponseWriter, r *http.Request) {
	addr := a.clientAddr(r)
	if blocked, retryAfter := a.limiter.blocked(addr); blocked {
		a.audit.logFailure(AuditTokenRateLimited, r, "too many rejected tokens")
		writeRateLimited(w, retryAfter)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTokenSize))
	if err != nil {
		writeError(w, message.BadRequest, message.InvalidRequest, "Token too large")
		return
	}

	reply, err := a.authz.Evaluate(r.Context(), message.NewRequest(body, a.senderIdentity(r)))
	a.counters.admission(reply.Code())
	if err == nil {
		a.limiter.admitted(addr)
		a.audit.logEvent(AuditTokenAdmitted, r, tokenID(reply.RawPayload()))
	} else {
		// Only tokens the client got wrong count toward the lockout.
		if authzinfo.Rejected(err) {
			a.limiter.reject(addr)
		}
		_, desc, _ := message.ParseError(reply.RawPayload())
		a.audit.logFailure(AuditTokenRejected, r, desc, slog.String("code", reply.Code().String()))
	}
	writeReply(w, reply.Code(), reply.RawPayload())
}

// tokenID extracts the token id from an admission reply for logging.
func tokenID(payload []byte) string {
	params, err := message.Parameters(payload)
	if err != nil {
		return ""
	}
	var cti []byte
	if err := codec.Unmarshal(params[int64(claims.Cti)], &cti); err != nil {
		return ""
	}
	return encodeID(cti)
}
