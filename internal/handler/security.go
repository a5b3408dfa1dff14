package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// APIKeyHeader carries the caller's API key on staff endpoints.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey wraps next with API key authentication: the provided key is
// HMAC-SHA256 hashed with the pepper, looked up, and compared in constant
// time. A missing key is 401; a key that fails lookup or comparison is 403.
func (h *Handler) RequireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			respondError(w, r, http.StatusUnauthorized, "api key required")
			return
		}

		mac := hmac.New(sha256.New, h.pepper)
		mac.Write([]byte(key))
		hash := mac.Sum(nil)

		info, err := h.apikeys.FindByHash(r.Context(), hex.EncodeToString(hash))
		if err != nil {
			zctx.From(r.Context()).Warn("api key rejected", zap.Error(err))
			respondError(w, r, http.StatusForbidden, "invalid api key")
			return
		}

		// Compare in constant time even though the lookup already matched,
		// in case the repository returns a stale row.
		stored, err := hex.DecodeString(info.KeyHash)
		if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
			respondError(w, r, http.StatusForbidden, "invalid api key")
			return
		}

		next(w, r)
	}
}
