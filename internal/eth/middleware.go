package eth

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Only idempotent read methods may be retried. Mutating methods pass through
// unmodified, a duplicate delivery there is not safe.
var retriableMethods = map[string]struct{}{
	"web3_clientVersion":        {},
	"net_version":               {},
	"eth_protocolVersion":       {},
	"eth_syncing":               {},
	"eth_chainId":               {},
	"eth_gasPrice":              {},
	"eth_blockNumber":           {},
	"eth_getBalance":            {},
	"eth_getStorageAt":          {},
	"eth_getCode":               {},
	"eth_getBlockByHash":        {},
	"eth_getBlockByNumber":      {},
	"eth_getTransactionByHash":  {},
	"eth_getTransactionCount":   {},
	"eth_getTransactionReceipt": {},
	"eth_call":                  {},
	"eth_estimateGas":           {},
	"eth_getLogs":               {},
}

// RetryConfig controls the retry behavior of the transport.
type RetryConfig struct {
	// max number of attempts, default 5
	Retries int

	// max sleep delay between attempts, default 60s
	MaxDelay time.Duration

	// exponential backoff parameters, default base 2 factor 1
	Base   int
	Factor int
}

// RetryTransport retries failed HTTP requests with an exponential backoff,
// honoring Retry-After headers of HTTP 429 responses. Requests are only
// retried when every JSON-RPC method in the payload is whitelisted.
//
// Note: cannot handle 'eth_getLogs' throttle errors reported inside a 200
// response, the scan loop deals with those by shrinking its chunk size.
type RetryTransport struct {
	base http.RoundTripper
	cfg  RetryConfig
}

// NewRetryTransport wraps base with retry behavior. A nil base uses
// http.DefaultTransport.
func NewRetryTransport(base http.RoundTripper, cfg RetryConfig) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Base <= 0 {
		cfg.Base = 2
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 1
	}
	return &RetryTransport{base: base, cfg: cfg}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil {
		return t.base.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}

	methods, ok := decodeMethods(body)
	if !ok || !allRetriable(methods) {
		clone := req.Clone(req.Context())
		clone.Body = io.NopCloser(bytes.NewReader(body))
		return t.base.RoundTrip(clone)
	}

	maxDelay := int(t.cfg.MaxDelay / time.Second)
	next := backoff(t.cfg.Base, t.cfg.Factor, maxDelay)

	var resp *http.Response
	var lastErr error
	for i := 0; i < t.cfg.Retries; i++ {
		clone := req.Clone(req.Context())
		clone.Body = io.NopCloser(bytes.NewReader(body))

		resp, lastErr = t.base.RoundTrip(clone)
		if lastErr == nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}
		if i == t.cfg.Retries-1 {
			break
		}

		retryAfter := 0
		if lastErr == nil {
			if resp.StatusCode == http.StatusTooManyRequests {
				retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
				log.Printf("[rpc] encountered rate limiting (retry-after: %ds)", retryAfter)
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		if retryAfter > maxDelay {
			retryAfter = maxDelay
		}

		// exponential backoff, Retry-After has precedence
		delay := next()
		if retryAfter > delay {
			delay = retryAfter
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(time.Duration(delay) * time.Second):
		}
	}

	return resp, lastErr
}

// backoff returns a generator for exponential growth: factor * base^n. Once
// the true exponential sequence reaches max (when max > 0), max is yielded
// forever after.
func backoff(base, factor, max int) func() int {
	n := 0
	return func() int {
		a := factor * intPow(base, n)
		if max <= 0 || a < max {
			n++
			return a
		}
		return max
	}
}

func intPow(base, exp int) int {
	v := 1
	for i := 0; i < exp; i++ {
		v *= base
	}
	return v
}

// parseRetryAfter determines a delay in seconds from the Retry-After header
// of an HTTP 429 response. Invalid or negative values yield 0.
//
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Retry-After
func parseRetryAfter(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if v, err := strconv.Atoi(value); err == nil {
		if v < 0 {
			return 0
		}
		return v
	}

	if t, err := http.ParseTime(value); err == nil {
		d := int(time.Until(t) / time.Second)
		if d < 0 {
			return 0
		}
		return d
	}

	return 0
}

type rpcCall struct {
	Method string `json:"method"`
}

// decodeMethods extracts the method names from a single or batched JSON-RPC
// request body.
func decodeMethods(body []byte) ([]string, bool) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false
	}

	if trimmed[0] == '[' {
		var calls []rpcCall
		if err := json.Unmarshal(trimmed, &calls); err != nil || len(calls) == 0 {
			return nil, false
		}
		methods := make([]string, len(calls))
		for i, c := range calls {
			methods[i] = c.Method
		}
		return methods, true
	}

	var call rpcCall
	if err := json.Unmarshal(trimmed, &call); err != nil || call.Method == "" {
		return nil, false
	}
	return []string{call.Method}, true
}

func allRetriable(methods []string) bool {
	for _, m := range methods {
		if _, ok := retriableMethods[m]; !ok {
			return false
		}
	}
	return true
}
