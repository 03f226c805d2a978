package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// verifyAdminToken checks an HS256 bearer token against the configured
// secret and returns the subject claim for the audit log.
func (s *Server) verifyAdminToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token missing sub claim")
	}

	return sub, nil
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret == "" {
			writeAPIError(w, http.StatusForbidden, "admin API disabled, no secret configured")
			return
		}

		sub, err := s.verifyAdminToken(r)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, err.Error())
			return
		}

		log.Printf("[api] Admin request %s %s by %q", r.Method, r.URL.Path, sub)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	if err := s.cache.Flush(r.Context()); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[api] Cache flushed")
	writeAPIResponse(w, map[string]bool{"flushed": true}, nil)
}

type cursorResetRequest struct {
	State string `json:"state"`

	// 0 deletes the cursor outright instead of rewinding it
	Rewind uint64 `json:"rewind"`
}

// handleCursorReset rewinds or deletes a named cursor so the next scan pass
// re-indexes from an earlier block. The caller is expected to stop the
// indexer first, a concurrent commit would simply re-write the cursor.
func (s *Server) handleCursorReset(w http.ResponseWriter, r *http.Request) {
	var req cursorResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.State == "" {
		writeAPIError(w, http.StatusBadRequest, "state is required")
		return
	}

	if req.Rewind > 0 {
		if err := s.store.DiscardRecent(r.Context(), req.State, req.Rewind); err != nil {
			writeAPIError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Printf("[api] Rewound state '%s' by %d blocks", req.State, req.Rewind)
		writeAPIResponse(w, map[string]interface{}{"state": req.State, "rewound": req.Rewind}, nil)
		return
	}

	existed, err := s.store.DeleteState(r.Context(), req.State)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeAPIError(w, http.StatusNotFound, fmt.Sprintf("unknown state %q", req.State))
		return
	}
	log.Printf("[api] Deleted state '%s'", req.State)
	writeAPIResponse(w, map[string]interface{}{"state": req.State, "deleted": true}, nil)
}
