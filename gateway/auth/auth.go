package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling integrator.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp carries the unix seconds used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 over the request.
	HeaderSignature = "X-Signature"

	// MaxBodyForSignature caps how many body bytes participate in signing.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew = 2 * time.Minute
	defaultTimestampSkew    = maxAllowedTimestampSkew
	maxNonceWindow          = 10 * time.Minute
	defaultNonceWindow      = maxNonceWindow
	defaultNonceCapacity    = 4096
	maxNonceCapacity        = 65536
)

// Principal is the authenticated API client attached to a request.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Replayed nonces and non-increasing timestamps are rejected within the
// configured windows; both caches are in-memory and bounded.
type Authenticator struct {
	secrets       map[string]string
	allowedSkew   time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceCache

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64
}

// NewAuthenticator builds an Authenticator from API key identifiers mapped to
// their shared secrets. Skew, TTL, and capacity are clamped to hard ceilings
// so misconfiguration cannot widen the replay window unboundedly.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time) *Authenticator {
	cleaned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cleaned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Authenticator{
		secrets:       cleaned,
		allowedSkew:   skew,
		nonceTTL:      nonceTTL,
		nonceCapacity: nonceCapacity,
		nowFn:         nowFn,
		nonces:        make(map[string]*nonceCache),
		lastSeen:      make(map[string]int64),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if a.allowedSkew > 0 && skew > a.allowedSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.cacheFor(apiKey).Observe(timestampHeader+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	if a.isTimestampReplay(apiKey, ts, now) {
		return nil, errors.New("timestamp not increasing")
	}
	return &Principal{APIKey: apiKey}, nil
}

// isTimestampReplay enforces per-key timestamp monotonicity within the skew
// window. Entries older than the window are forgotten so a key that goes
// quiet can resume with any in-window timestamp.
func (a *Authenticator) isTimestampReplay(apiKey string, ts time.Time, now time.Time) bool {
	if a.allowedSkew <= 0 {
		return false
	}
	cutoff := now.Add(-a.allowedSkew)
	current := ts.Unix()

	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()

	last, ok := a.lastSeen[apiKey]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current <= last {
				return true
			}
		} else {
			delete(a.lastSeen, apiKey)
			ok = false
		}
	}
	if !ok || current > last {
		a.lastSeen[apiKey] = current
	}
	return false
}

func (a *Authenticator) cacheFor(apiKey string) *nonceCache {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[apiKey]
	if !ok {
		cache = newNonceCache(a.nonceTTL, a.nonceCapacity)
		a.nonces[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceCache is a TTL + capacity bounded record of observed nonces for one
// API key. Entries are kept in observation order so expiry and capacity
// eviction both walk from the front.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Observe records the nonce and reports whether it was already present
// within the TTL window.
func (n *nonceCache) Observe(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expireLocked(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return true
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		n.dropFrontLocked()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
	return false
}

func (n *nonceCache) expireLocked(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		if entry := front.Value.(nonceEntry); !entry.ts.Before(cutoff) {
			return
		}
		n.dropFrontLocked()
	}
}

func (n *nonceCache) dropFrontLocked() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
