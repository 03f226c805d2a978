package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xquery/internal/cache"
	"xquery/internal/models"
	"xquery/internal/repository"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

type fakeStore struct {
	pingErr  error
	states   []*models.State
	overview *repository.Overview
	latest   *models.Block
	pairs    []*models.Pair
	tokens   []*models.Token
	factory  *models.Factory
	bundle   *models.Bundle
	existed  bool

	overviewCalls int
	pairLimits    []int
	deleted       []string
	rewinds       map[string]uint64
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) States(ctx context.Context) ([]*models.State, error) {
	return f.states, nil
}

func (f *fakeStore) Overview(ctx context.Context) (*repository.Overview, error) {
	f.overviewCalls++
	return f.overview, nil
}

func (f *fakeStore) LatestBlock(ctx context.Context) (*models.Block, error) {
	return f.latest, nil
}

func (f *fakeStore) PairsByVolume(ctx context.Context, limit int) ([]*models.Pair, error) {
	f.pairLimits = append(f.pairLimits, limit)
	return f.pairs, nil
}

func (f *fakeStore) TokensByVolume(ctx context.Context, limit int) ([]*models.Token, error) {
	return f.tokens, nil
}

func (f *fakeStore) FactoryByAddress(ctx context.Context, address string) (*models.Factory, error) {
	return f.factory, nil
}

func (f *fakeStore) LatestBundle(ctx context.Context) (*models.Bundle, error) {
	return f.bundle, nil
}

func (f *fakeStore) DeleteState(ctx context.Context, name string) (bool, error) {
	f.deleted = append(f.deleted, name)
	return f.existed, nil
}

func (f *fakeStore) DiscardRecent(ctx context.Context, name string, rewind uint64) error {
	if f.rewinds == nil {
		f.rewinds = make(map[string]uint64)
	}
	f.rewinds[name] = rewind
	return nil
}

type fakeChain struct {
	head uint64
	err  error
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.err
}

func newTestServer(store Store, client ChainClient, cfg Config) *Server {
	s := New(store, client, cache.NewMemory(), cfg)
	// wide-open limiter, rate limit tests install their own
	s.limiter = &ipLimiter{
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(1000),
		burst:   1000,
		ttl:     time.Minute,
	}
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T, secret, sub string) string {
	t.Helper()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": sub})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestHandleStatusReportsLag(t *testing.T) {
	store := &fakeStore{
		states: []*models.State{
			{Name: "indexer", BlockNumber: 90},
			{Name: "processor_bundle", BlockNumber: 80},
		},
		overview: &repository.Overview{Blocks: 5, Pairs: 2},
		latest:   &models.Block{Hash: "0xaa", Number: 90, Timestamp: 1700000000},
	}
	s := newTestServer(store, &fakeChain{head: 100}, Config{Deployment: "pangolin", Mode: "exchange", Workers: 4})

	rec := serve(s, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var status statusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status.ChainHead != 100 {
		t.Errorf("expected chain head 100, got %d", status.ChainHead)
	}
	if status.Lag == nil || *status.Lag != 10 {
		t.Errorf("expected lag 10, got %v", status.Lag)
	}
	if got := status.Cursors["processor_bundle"]; got == nil || got.BlockNumber != 80 {
		t.Errorf("expected processor_bundle cursor at 80, got %+v", got)
	}
	if status.Counts == nil || status.Counts.Blocks != 5 {
		t.Errorf("expected 5 blocks counted, got %+v", status.Counts)
	}
	if status.Deployment != "pangolin" || status.Workers != 4 {
		t.Errorf("unexpected config echo: %+v", status)
	}
}

func TestHandleStatusToleratesNodeOutage(t *testing.T) {
	store := &fakeStore{
		states:   []*models.State{{Name: "indexer", BlockNumber: 90}},
		overview: &repository.Overview{},
	}
	s := newTestServer(store, &fakeChain{err: fmt.Errorf("connection refused")}, Config{})

	rec := serve(s, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status statusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status.ChainError == "" {
		t.Error("expected chain_error to be reported")
	}
	if status.Lag != nil {
		t.Errorf("expected no lag without a chain head, got %v", *status.Lag)
	}
}

func TestHandleStatusCachesPayload(t *testing.T) {
	store := &fakeStore{overview: &repository.Overview{}}
	s := newTestServer(store, &fakeChain{head: 1}, Config{})

	serve(s, httptest.NewRequest("GET", "/status", nil))
	serve(s, httptest.NewRequest("GET", "/status", nil))

	if store.overviewCalls != 1 {
		t.Errorf("expected 1 overview query, got %d", store.overviewCalls)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeChain{}, Config{})

	rec := serve(s, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	s = newTestServer(&fakeStore{pingErr: fmt.Errorf("down")}, &fakeChain{}, Config{})
	rec = serve(s, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlePairsLimit(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "default", query: "", want: 20},
		{name: "explicit", query: "?limit=5", want: 5},
		{name: "above cap", query: "?limit=999", want: 20},
		{name: "negative", query: "?limit=-1", want: 20},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{pairs: []*models.Pair{{Address: "0xab"}}}
			s := newTestServer(store, &fakeChain{}, Config{})

			rec := serve(s, httptest.NewRequest("GET", "/v1/pairs"+tc.query, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if len(store.pairLimits) != 1 || store.pairLimits[0] != tc.want {
				t.Errorf("expected limit %d, got %v", tc.want, store.pairLimits)
			}

			var resp apiEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if data, ok := resp.Data.([]interface{}); !ok || len(data) != 1 {
				t.Errorf("expected 1 pair in data, got %v", resp.Data)
			}
		})
	}
}

func TestHandleFactoryNotIndexed(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeChain{}, Config{Factory: "0xefa9"})

	rec := serve(s, httptest.NewRequest("GET", "/v1/factory", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleLatestBundle(t *testing.T) {
	hash := "0xbb"
	store := &fakeStore{bundle: &models.Bundle{BlockHash: &hash, LogIndex: 7}}
	s := newTestServer(store, &fakeChain{}, Config{})

	rec := serve(s, httptest.NewRequest("GET", "/v1/bundles/latest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data models.Bundle `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Data.LogIndex != 7 {
		t.Errorf("expected log index 7, got %d", resp.Data.LogIndex)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	const secret = "ops-secret"

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{name: "no secret configured", secret: "", header: "", want: http.StatusForbidden},
		{name: "missing header", secret: secret, header: "", want: http.StatusUnauthorized},
		{name: "wrong secret", secret: secret, header: "Bearer ", want: http.StatusUnauthorized},
		{name: "valid token", secret: secret, header: "Bearer ", want: http.StatusOK},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(&fakeStore{}, &fakeChain{}, Config{Secret: tc.secret})

			header := tc.header
			switch tc.name {
			case "wrong secret":
				header += adminToken(t, "not-the-secret", "ops")
			case "valid token":
				header += adminToken(t, secret, "ops")
			}

			req := httptest.NewRequest("POST", "/admin/cache/flush", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}

			rec := serve(s, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAdminRejectsTokenWithoutSubject(t *testing.T) {
	const secret = "ops-secret"
	s := newTestServer(&fakeStore{}, &fakeChain{}, Config{Secret: secret})

	token := jwtlib.New(jwtlib.SigningMethodHS256)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req := httptest.NewRequest("POST", "/admin/cache/flush", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	rec := serve(s, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCursorReset(t *testing.T) {
	const secret = "ops-secret"

	post := func(s *Server, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/admin/cursor/reset", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+adminToken(t, secret, "ops"))
		return serve(s, req)
	}

	t.Run("rewind", func(t *testing.T) {
		store := &fakeStore{}
		s := newTestServer(store, &fakeChain{}, Config{Secret: secret})

		rec := post(s, `{"state":"indexer","rewind":100}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if store.rewinds["indexer"] != 100 {
			t.Errorf("expected indexer rewound by 100, got %v", store.rewinds)
		}
		if len(store.deleted) != 0 {
			t.Errorf("expected no deletes, got %v", store.deleted)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := &fakeStore{existed: true}
		s := newTestServer(store, &fakeChain{}, Config{Secret: secret})

		rec := post(s, `{"state":"processor_count"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if len(store.deleted) != 1 || store.deleted[0] != "processor_count" {
			t.Errorf("expected processor_count deleted, got %v", store.deleted)
		}
	})

	t.Run("unknown state", func(t *testing.T) {
		s := newTestServer(&fakeStore{existed: false}, &fakeChain{}, Config{Secret: secret})

		rec := post(s, `{"state":"nope"}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("missing state", func(t *testing.T) {
		s := newTestServer(&fakeStore{}, &fakeChain{}, Config{Secret: secret})

		rec := post(s, `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestRateLimitExhaustsBurst(t *testing.T) {
	s := newTestServer(&fakeStore{overview: &repository.Overview{}}, &fakeChain{}, Config{})
	s.limiter = &ipLimiter{
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(0.001),
		burst:   2,
		ttl:     time.Minute,
	}

	request := func(path string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		return serve(s, req).Code
	}

	if got := request("/status"); got != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", got)
	}
	if got := request("/status"); got != http.StatusOK {
		t.Fatalf("second request: expected 200, got %d", got)
	}
	if got := request("/status"); got != http.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", got)
	}

	// health probes bypass the limiter
	if got := request("/health"); got != http.StatusOK {
		t.Fatalf("health probe: expected 200, got %d", got)
	}
}

func TestRateLimitSeparatesClients(t *testing.T) {
	s := newTestServer(&fakeStore{overview: &repository.Overview{}}, &fakeChain{}, Config{})
	s.limiter = &ipLimiter{
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(0.001),
		burst:   1,
		ttl:     time.Minute,
	}

	request := func(addr string) int {
		req := httptest.NewRequest("GET", "/status", nil)
		req.RemoteAddr = addr
		return serve(s, req).Code
	}

	if got := request("10.0.0.1:1234"); got != http.StatusOK {
		t.Fatalf("first client: expected 200, got %d", got)
	}
	if got := request("10.0.0.1:9999"); got != http.StatusTooManyRequests {
		t.Fatalf("same client, new port: expected 429, got %d", got)
	}
	if got := request("10.0.0.2:1234"); got != http.StatusOK {
		t.Fatalf("second client: expected 200, got %d", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{name: "forwarded chain", xff: "1.2.3.4, 5.6.7.8", remote: "9.9.9.9:80", want: "1.2.3.4"},
		{name: "real ip fallback", realIP: "5.6.7.8", remote: "9.9.9.9:80", want: "5.6.7.8"},
		{name: "remote addr", remote: "9.9.9.9:80", want: "9.9.9.9"},
		{name: "remote without port", remote: "9.9.9.9", want: "9.9.9.9"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := clientIP(req); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCommonMiddlewareShortCircuitsOptions(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeChain{}, Config{})

	rec := serve(s, httptest.NewRequest("OPTIONS", "/v1/pairs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header, got %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}
