package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"xquery/internal/controller"
	"xquery/internal/models"
	"xquery/internal/repository"
)

const statusCacheTTL = 10 * time.Second

type apiEnvelope struct {
	Meta  map[string]interface{} `json:"_meta,omitempty"`
	Data  interface{}            `json:"data,omitempty"`
	Error interface{}            `json:"error,omitempty"`
}

func writeAPIResponse(w http.ResponseWriter, data interface{}, meta map[string]interface{}) {
	json.NewEncoder(w).Encode(apiEnvelope{
		Meta: meta,
		Data: data,
	})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: map[string]string{"message": message},
	})
}

func parseLimit(r *http.Request) int {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}

// payloadCache memoizes a rendered JSON response for a short window so
// status polling does not turn into repeated full-table counts.
type payloadCache struct {
	mu        sync.Mutex
	payload   []byte
	expiresAt time.Time
}

func (c *payloadCache) get() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil || time.Now().After(c.expiresAt) {
		return nil
	}
	return c.payload
}

func (c *payloadCache) put(payload []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = payload
	c.expiresAt = time.Now().Add(ttl)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusPayload struct {
	Build      string `json:"build"`
	Deployment string `json:"deployment"`
	Mode       string `json:"mode"`
	Workers    int    `json:"workers"`

	ChainHead  uint64 `json:"chain_head,omitempty"`
	ChainError string `json:"chain_error,omitempty"`

	// blocks between the chain head and the indexer cursor
	Lag *uint64 `json:"lag,omitempty"`

	Cursors     map[string]*models.State `json:"cursors"`
	LatestBlock *models.Block            `json:"latest_block,omitempty"`
	Counts      *repository.Overview     `json:"counts,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if payload := s.statusCache.get(); payload != nil {
		w.Write(payload)
		return
	}

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.statusCache.put(payload, statusCacheTTL)
	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	status := statusPayload{
		Build:      BuildCommit,
		Deployment: s.cfg.Deployment,
		Mode:       s.cfg.Mode,
		Workers:    s.cfg.Workers,
		Cursors:    make(map[string]*models.State),
	}

	states, err := s.store.States(ctx)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		status.Cursors[state.Name] = state
	}

	if head, err := s.client.BlockNumber(ctx); err != nil {
		status.ChainError = err.Error()
	} else {
		status.ChainHead = head
		if cursor, ok := status.Cursors[controller.StateIndexer]; ok {
			lag := uint64(0)
			if head > cursor.BlockNumber {
				lag = head - cursor.BlockNumber
			}
			status.Lag = &lag
		}
	}

	status.LatestBlock, err = s.store.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	status.Counts, err = s.store.Overview(ctx)
	if err != nil {
		return nil, err
	}

	return json.Marshal(status)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.store.PairsByVolume(r.Context(), parseLimit(r))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIResponse(w, pairs, map[string]interface{}{"count": len(pairs)})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.TokensByVolume(r.Context(), parseLimit(r))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIResponse(w, tokens, map[string]interface{}{"count": len(tokens)})
}

func (s *Server) handleFactory(w http.ResponseWriter, r *http.Request) {
	factory, err := s.store.FactoryByAddress(r.Context(), s.cfg.Factory)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if factory == nil {
		writeAPIError(w, http.StatusNotFound, "factory not indexed yet")
		return
	}
	writeAPIResponse(w, factory, nil)
}

func (s *Server) handleLatestBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.store.LatestBundle(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bundle == nil {
		writeAPIError(w, http.StatusNotFound, "no bundle indexed yet")
		return
	}
	writeAPIResponse(w, bundle, nil)
}
